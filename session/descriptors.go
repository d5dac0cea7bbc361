package session

import (
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/codec/aacparser"
	"github.com/cryptorec/cencmux/codec/h264parser"
	"github.com/cryptorec/cencmux/format/mp4"
)

// VideoDescriptor describes the H.264 stream handed to Init.
type VideoDescriptor struct {
	Width     int
	Height    int
	Bitrate   int
	Framerate int
	// Rotation is the clockwise display rotation in degrees. Any value is accepted.
	Rotation int
}

func (self VideoDescriptor) Validate() error {
	if self.Width <= 0 || self.Height <= 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "video size %dx%d", self.Width, self.Height)
	}
	if self.Framerate <= 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "video framerate %d", self.Framerate)
	}
	if self.Bitrate < 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "video bitrate %d", self.Bitrate)
	}
	return nil
}

func (self VideoDescriptor) NormalizedRotation() int {
	return mp4.NormalizeRotation(self.Rotation)
}

func (self VideoDescriptor) CodecData() *h264parser.CodecData {
	return h264parser.NewCodecData(self.Width, self.Height, self.Bitrate, self.Framerate, self.NormalizedRotation())
}

// AudioDescriptor describes the AAC stream handed to Init.
type AudioDescriptor struct {
	Bitrate      int
	SampleRate   int
	ChannelCount int
}

func (self AudioDescriptor) Validate() error {
	if self.SampleRate <= 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "audio sample rate %d", self.SampleRate)
	}
	if self.ChannelCount < 1 || self.ChannelCount > 8 {
		return errors.Wrapf(ErrInvalidDescriptor, "audio channels %d", self.ChannelCount)
	}
	if self.Bitrate < 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "audio bitrate %d", self.Bitrate)
	}
	return nil
}

func (self AudioDescriptor) CodecData() (*aacparser.CodecData, error) {
	cd, err := aacparser.NewCodecData(self.SampleRate, self.ChannelCount, self.Bitrate)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidDescriptor, err.Error())
	}
	return cd, nil
}
