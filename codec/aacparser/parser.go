package aacparser

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/av"
)

// SamplesPerFrame is the number of PCM samples in one AAC-LC access unit.
const SamplesPerFrame = 1024

const adtsHeaderLen = 7

// CodecData describes an AAC-LC stream.
type CodecData struct {
	Config  mpeg4audio.AudioSpecificConfig
	Bitrate int
}

func NewCodecData(sampleRate, channelCount, bitrate int) (*CodecData, error) {
	if sampleRate <= 0 {
		return nil, errors.Errorf("aacparser: invalid sample rate %d", sampleRate)
	}
	if channelCount < 1 || channelCount > 8 {
		return nil, errors.Errorf("aacparser: invalid channel count %d", channelCount)
	}
	self := &CodecData{
		Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   sampleRate,
			ChannelCount: channelCount,
		},
		Bitrate: bitrate,
	}
	if _, err := self.Config.Marshal(); err != nil {
		return nil, errors.Wrap(err, "aacparser: audio specific config")
	}
	return self, nil
}

func (self *CodecData) Type() av.CodecType {
	return av.AAC
}

func (self *CodecData) SampleRate() int {
	return self.Config.SampleRate
}

func (self *CodecData) ChannelCount() int {
	return self.Config.ChannelCount
}

// MPEG4AudioConfigBytes returns the AudioSpecificConfig carried in esds.
func (self *CodecData) MPEG4AudioConfigBytes() []byte {
	b, err := self.Config.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// StripADTS removes an ADTS header if present and returns the raw AAC payload.
func StripADTS(data []byte) []byte {
	if len(data) < adtsHeaderLen {
		return data
	}
	if data[0] != 0xff || data[1]&0xf0 != 0xf0 {
		return data
	}
	headerLen := adtsHeaderLen
	// protection_absent == 0 means a CRC follows the header
	if data[1]&0x01 == 0 {
		headerLen += 2
	}
	if len(data) <= headerLen {
		return data
	}
	return data[headerLen:]
}

// ADTSFrameLength reads the frame length field of an ADTS header, header included.
func ADTSFrameLength(header []byte) (int, error) {
	if len(header) < adtsHeaderLen || header[0] != 0xff || header[1]&0xf0 != 0xf0 {
		return 0, errors.New("aacparser: not an adts header")
	}
	n := int(header[3]&0x03)<<11 | int(header[4])<<3 | int(header[5]>>5)
	if n < adtsHeaderLen {
		return 0, errors.Errorf("aacparser: adts frame length %d too short", n)
	}
	return n, nil
}
