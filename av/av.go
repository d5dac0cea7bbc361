// Package av defines the packet and codec types shared by the muxer and the session.
package av

import (
	"fmt"
	"math"
)

// NoPTS marks an unset timestamp. A packet whose DTS is NoPTS lets the muxer infer it.
const NoPTS int64 = math.MinInt64

type CodecType uint32

const (
	H264 CodecType = iota + 1
	AAC
)

func (self CodecType) String() string {
	switch self {
	case H264:
		return "H264"
	case AAC:
		return "AAC"
	}
	return fmt.Sprintf("CodecType(%d)", uint32(self))
}

func (self CodecType) IsVideo() bool {
	return self == H264
}

func (self CodecType) IsAudio() bool {
	return self == AAC
}

// Rational is a fraction of a second used as a timestamp unit.
type Rational struct {
	Num int64
	Den int64
}

var (
	Microsecond = Rational{1, 1000000}
	TimeBase90k = Rational{1, 90000}
)

func (self Rational) String() string {
	return fmt.Sprintf("%d/%d", self.Num, self.Den)
}

func (self Rational) Valid() bool {
	return self.Num > 0 && self.Den > 0
}

type CodecData interface {
	Type() CodecType
}

type VideoCodecData interface {
	CodecData
	Width() int
	Height() int
}

type AudioCodecData interface {
	CodecData
	SampleRate() int
	ChannelCount() int
}

// Packet is one encoded frame. PTS and DTS are expressed in the time base of the stream Idx refers to.
type Packet struct {
	Idx        int8
	IsKeyFrame bool
	PTS        int64
	DTS        int64
	Data       []byte
}

func (self Packet) String() string {
	return fmt.Sprintf("idx=%d key=%t pts=%d dts=%d len=%d", self.Idx, self.IsKeyFrame, self.PTS, self.DTS, len(self.Data))
}

type PacketWriter interface {
	WritePacket(Packet) error
}

// Muxer assigns stream indices as streams are added, then takes packets between WriteHeader and WriteTrailer.
type Muxer interface {
	AddStream(codec CodecData, timeBase Rational) (int8, error)
	WriteHeader() error
	PacketWriter
	WriteTrailer() error
}
