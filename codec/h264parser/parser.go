package h264parser

import (
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/av"
)

const (
	NALU_NONIDR = 1
	NALU_IDR    = 5
	NALU_SEI    = 6
	NALU_SPS    = 7
	NALU_PPS    = 8
	NALU_AUD    = 9
)

// IDRMarker is the NAL header byte of an IDR slice with nal_ref_idc 3.
const IDRMarker = 0x65

// KeyFrameOffset is where IsKeyFrameAtOffset expects the NAL header: right after a 4-byte start code or length prefix.
const KeyFrameOffset = 4

// Classifier reports whether an encoded access unit is a key frame.
type Classifier func(data []byte) bool

// IsKeyFrameAtOffset checks the byte after a 4-byte prefix for the IDR marker.
// It only recognizes streams that put the IDR slice first in the access unit.
func IsKeyFrameAtOffset(data []byte) bool {
	return len(data) > KeyFrameOffset && data[KeyFrameOffset] == IDRMarker
}

// IsKeyFrameNAL splits the access unit and reports whether any NAL unit is an IDR slice.
func IsKeyFrameNAL(data []byte) bool {
	nalus, _ := SplitNALUs(data)
	for _, nalu := range nalus {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1f) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

type Framing int

const (
	FramingRaw Framing = iota
	FramingAnnexB
	FramingAVCC
)

func (self Framing) String() string {
	switch self {
	case FramingAnnexB:
		return "annexb"
	case FramingAVCC:
		return "avcc"
	}
	return "raw"
}

func hasStartCode(b []byte) bool {
	if len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1 {
		return true
	}
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// SplitNALUs detects the framing of an access unit and returns its NAL units.
func SplitNALUs(b []byte) (nalus [][]byte, typ Framing) {
	if len(b) < 4 {
		return [][]byte{b}, FramingRaw
	}
	if hasStartCode(b) {
		var au h264.AnnexB
		if err := au.Unmarshal(b); err == nil && len(au) > 0 {
			return au, FramingAnnexB
		}
	}
	if nalus, ok := splitAVCC(b); ok {
		return nalus, FramingAVCC
	}
	return [][]byte{b}, FramingRaw
}

func splitAVCC(b []byte) ([][]byte, bool) {
	var nalus [][]byte
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, false
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if n == 0 || uint64(n) > uint64(len(b)) {
			return nil, false
		}
		nalus = append(nalus, b[:n])
		b = b[n:]
	}
	return nalus, len(nalus) > 0
}

// AVCC joins NAL units with 4-byte big-endian length prefixes.
func AVCC(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, n)
	pos := 0
	for _, nalu := range nalus {
		binary.BigEndian.PutUint32(out[pos:], uint32(len(nalu)))
		pos += 4
		pos += copy(out[pos:], nalu)
	}
	return out
}

func NALUType(nalu []byte) int {
	if len(nalu) == 0 {
		return 0
	}
	return int(nalu[0] & 0x1f)
}

// IsParamSetNALU reports SPS and PPS units.
func IsParamSetNALU(nalu []byte) bool {
	typ := NALUType(nalu)
	return typ == NALU_SPS || typ == NALU_PPS
}

// IsSliceNALU reports coded slices, the units that carry picture data.
func IsSliceNALU(nalu []byte) bool {
	typ := NALUType(nalu)
	return typ >= NALU_NONIDR && typ <= NALU_IDR
}

// CodecData describes an H.264 stream. Parameter sets are optional at construction
// and can be learned later from in-band SPS/PPS units.
type CodecData struct {
	width     int
	height    int
	Bitrate   int
	Framerate int
	Rotation  int
	SPS       []byte
	PPS       []byte
}

func NewCodecData(width, height, bitrate, framerate, rotation int) *CodecData {
	return &CodecData{
		width:     width,
		height:    height,
		Bitrate:   bitrate,
		Framerate: framerate,
		Rotation:  rotation,
	}
}

func (self *CodecData) Type() av.CodecType {
	return av.H264
}

func (self *CodecData) Width() int {
	return self.width
}

func (self *CodecData) Height() int {
	return self.height
}

func (self *CodecData) HasParamSets() bool {
	return len(self.SPS) >= 4 && len(self.PPS) > 0
}

// SetParamSets replaces the stored SPS/PPS. The SPS must parse.
func (self *CodecData) SetParamSets(sps, pps []byte) error {
	if len(sps) < 4 {
		return errors.Errorf("h264parser: sps too short (%d bytes)", len(sps))
	}
	var info h264.SPS
	if err := info.Unmarshal(sps); err != nil {
		return errors.Wrap(err, "h264parser: parse sps")
	}
	self.SPS = append([]byte(nil), sps...)
	self.PPS = append([]byte(nil), pps...)
	return nil
}

// SPSSize returns the picture size coded in the stored SPS.
func (self *CodecData) SPSSize() (width, height int, ok bool) {
	if len(self.SPS) < 4 {
		return 0, 0, false
	}
	var info h264.SPS
	if err := info.Unmarshal(self.SPS); err != nil {
		return 0, 0, false
	}
	return info.Width(), info.Height(), true
}

func (self *CodecData) ProfileIdc() uint8 {
	if len(self.SPS) < 4 {
		return 0
	}
	return self.SPS[1]
}

func (self *CodecData) ProfileCompatibility() uint8 {
	if len(self.SPS) < 4 {
		return 0
	}
	return self.SPS[2]
}

func (self *CodecData) LevelIdc() uint8 {
	if len(self.SPS) < 4 {
		return 0
	}
	return self.SPS[3]
}
