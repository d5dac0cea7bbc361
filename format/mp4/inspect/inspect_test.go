package inspect_test

import (
	"bytes"
	"testing"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorec/cencmux/av"
	"github.com/cryptorec/cencmux/cenc"
	"github.com/cryptorec/cencmux/codec/aacparser"
	"github.com/cryptorec/cencmux/codec/h264parser"
	"github.com/cryptorec/cencmux/format/mp4"
	"github.com/cryptorec/cencmux/format/mp4/inspect"
)

var (
	sps = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe4}
	pps = []byte{0x68, 0xcb, 0x83, 0xcb, 0x20}
	idr = []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff, 0x10, 0x20, 0x30, 0x40}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

// record muxes 60 video frames at 30fps with AAC alongside and returns the file.
func record(t *testing.T, opts mp4.Options) []byte {
	t.Helper()
	buf := &seekablebuffer.Buffer{}
	m := mp4.NewMuxer(buf, opts)
	video, err := m.AddStream(h264parser.NewCodecData(1280, 720, 2000000, 30, 0), av.TimeBase90k)
	require.NoError(t, err)
	acd, err := aacparser.NewCodecData(48000, 2, 128000)
	require.NoError(t, err)
	audio, err := m.AddStream(acd, av.TimeBase90k)
	require.NoError(t, err)
	require.NoError(t, m.WriteHeader())

	ai := 0
	for i := 0; i < 60; i++ {
		dts := int64(i) * 3000
		for int64(ai)*1920 <= dts {
			require.NoError(t, m.WritePacket(av.Packet{Idx: audio, PTS: int64(ai) * 1920, DTS: int64(ai) * 1920, Data: bytes.Repeat([]byte{byte(ai)}, 24)}))
			ai++
		}
		pkt := av.Packet{Idx: video, PTS: dts, DTS: dts, Data: annexB([]byte{0x41, 0x9a, byte(i), 0x01, 0x02, 0x03})}
		if i%30 == 0 {
			pkt.IsKeyFrame = true
			pkt.Data = annexB(sps, pps, idr)
		}
		require.NoError(t, m.WritePacket(pkt))
	}
	require.NoError(t, m.WriteTrailer())
	return buf.Bytes()
}

func encrypted() mp4.Options {
	return mp4.Options{
		Flags: mp4.FlagNoTimestamps,
		Encryption: &mp4.EncryptionOptions{
			Scheme:      cenc.SchemeAESCTR,
			Key:         bytes.Repeat([]byte{0x5a}, 16),
			KeyID:       cenc.DefaultKeyID,
			VideoPolicy: cenc.PolicyNALSubsample,
			AudioPolicy: cenc.PolicyFullSample,
		},
	}
}

func TestInspectProtectedProgressive(t *testing.T) {
	rep, err := inspect.Inspect(bytes.NewReader(record(t, encrypted())))
	require.NoError(t, err)
	assert.Zero(t, rep.Fragments)
	require.Len(t, rep.Tracks, 2)

	video := rep.Track(1)
	require.NotNil(t, video)
	assert.True(t, video.Encrypted)
	require.NotNil(t, video.AVC)
	assert.Equal(t, uint8(0x42), video.AVC.Profile)
	assert.Equal(t, uint8(0xc0), video.AVC.ProfileCompatibility)
	assert.Equal(t, uint8(0x1f), video.AVC.Level)
	assert.Equal(t, uint16(4), video.AVC.LengthSize)
	assert.Equal(t, uint16(1280), video.AVC.Width)
	assert.Equal(t, uint16(720), video.AVC.Height)
	assert.Equal(t, 60, video.SampleCount)

	audio := rep.Track(2)
	require.NotNil(t, audio)
	assert.True(t, audio.Encrypted)
	assert.Nil(t, audio.AVC)
	assert.Equal(t, len(audio.Samples), audio.SampleCount)
	assert.Nil(t, rep.Track(3))
}

func TestInspectFragmentedTotals(t *testing.T) {
	opts := encrypted()
	opts.Fragmented = true
	opts.FragmentDuration = time.Second
	file := record(t, opts)

	rep, err := inspect.Inspect(bytes.NewReader(file))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fragments)

	trafs, err := gomp4.ExtractBox(bytes.NewReader(file), nil, gomp4.BoxPath{gomp4.BoxTypeMoof(), gomp4.BoxTypeTraf()})
	require.NoError(t, err)
	assert.Len(t, trafs, 4)

	video := rep.Track(1)
	require.NotNil(t, video)
	assert.Empty(t, video.Samples)
	assert.Equal(t, 60, video.SampleCount)
	assert.Equal(t, uint64(60*3000), video.MediaDuration)
	require.NotNil(t, video.AVC)
	assert.Equal(t, uint16(1280), video.AVC.Width)

	audio := rep.Track(2)
	require.NotNil(t, audio)
	// audio runs up to the last video timestamp
	assert.Equal(t, 93, audio.SampleCount)
	assert.Equal(t, uint64(93*1920), audio.MediaDuration)
}
