package mp4

import (
	"bytes"
	"encoding/binary"
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
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe4}
	testPPS = []byte{0x68, 0xcb, 0x83, 0xcb, 0x20}
	testKey = []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func idrFrame() []byte {
	return annexB(testSPS, testPPS, []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90, 0xa0, 0xb0, 0xc0})
}

func interFrame(n byte) []byte {
	return annexB([]byte{0x41, 0x9a, n, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11})
}

func aacFrame(n byte) []byte {
	b := make([]byte, 24)
	for i := range b {
		b[i] = n + byte(i)
	}
	return b
}

type testMuxer struct {
	*Muxer
	buf   *seekablebuffer.Buffer
	video int8
	audio int8
}

func newTestMuxer(t *testing.T, opts Options, rotation int, withAudio bool) *testMuxer {
	t.Helper()
	buf := &seekablebuffer.Buffer{}
	m := &testMuxer{Muxer: NewMuxer(buf, opts), buf: buf, audio: -1}
	var err error
	m.video, err = m.AddStream(h264parser.NewCodecData(1280, 720, 2000000, 30, rotation), av.TimeBase90k)
	require.NoError(t, err)
	if withAudio {
		acd, err := aacparser.NewCodecData(48000, 2, 128000)
		require.NoError(t, err)
		m.audio, err = m.AddStream(acd, av.TimeBase90k)
		require.NoError(t, err)
	}
	return m
}

func encryptedOptions() Options {
	return Options{
		Flags: FlagNoTimestamps | FlagSeekToPTS,
		Encryption: &EncryptionOptions{
			Scheme:      cenc.SchemeAESCTR,
			Key:         testKey,
			KeyID:       cenc.DefaultKeyID,
			VideoPolicy: cenc.PolicyNALSubsample,
			AudioPolicy: cenc.PolicyFullSample,
		},
	}
}

func (self *testMuxer) readInfo(t *testing.T) *gomp4.ProbeInfo {
	t.Helper()
	info, err := gomp4.Probe(bytes.NewReader(self.buf.Bytes()))
	require.NoError(t, err)
	return info
}

func (self *testMuxer) extract(t *testing.T, path ...gomp4.BoxType) []*gomp4.BoxInfoWithPayload {
	t.Helper()
	boxes, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(self.buf.Bytes()), nil, gomp4.BoxPath(path))
	require.NoError(t, err)
	return boxes
}

// protectedVideoEntry reads the encv sample entry and its avcC.
func (self *testMuxer) protectedVideoEntry(t *testing.T) (*gomp4.VisualSampleEntry, *gomp4.AVCDecoderConfiguration) {
	t.Helper()
	stsd := []gomp4.BoxType{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd()}
	encv := self.extract(t, append(stsd, gomp4.BoxTypeEncv())...)
	require.Len(t, encv, 1)
	avcC := self.extract(t, append(stsd, gomp4.BoxTypeEncv(), gomp4.BoxTypeAvcC())...)
	require.Len(t, avcC, 1)
	return encv[0].Payload.(*gomp4.VisualSampleEntry), avcC[0].Payload.(*gomp4.AVCDecoderConfiguration)
}

// senc reads the raw senc entries of the n-th track.
func (self *testMuxer) senc(t *testing.T, track int) (uint32, []cenc.SampleInfo) {
	t.Helper()
	r := bytes.NewReader(self.buf.Bytes())
	bis, err := gomp4.ExtractBox(r, nil, gomp4.BoxPath{
		gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), boxTypeSenc,
	})
	require.NoError(t, err)
	require.Greater(t, len(bis), track)
	bi := bis[track]
	payload := self.buf.Bytes()[bi.Offset+bi.HeaderSize : bi.Offset+bi.Size]
	flags := binary.BigEndian.Uint32(payload[0:4]) & 0xffffff
	count := binary.BigEndian.Uint32(payload[4:8])
	p := payload[8:]
	infos := make([]cenc.SampleInfo, count)
	for i := range infos {
		copy(infos[i].IV[:], p[:8])
		p = p[8:]
		if flags&sencUseSubsamples != 0 {
			n := int(binary.BigEndian.Uint16(p))
			p = p[2:]
			for j := 0; j < n; j++ {
				infos[i].Subsamples = append(infos[i].Subsamples, cenc.Subsample{
					Clear:     binary.BigEndian.Uint16(p),
					Protected: binary.BigEndian.Uint32(p[2:]),
				})
				p = p[6:]
			}
		}
	}
	return flags, infos
}

func TestMuxerProgressiveEncrypted(t *testing.T) {
	m := newTestMuxer(t, encryptedOptions(), 0, true)
	require.NoError(t, m.WriteHeader())

	idr := idrFrame()
	nalus, _ := h264parser.SplitNALUs(idr)
	plainIDR := h264parser.AVCC(nalus)
	plainAudio := aacFrame(1)

	packets := []av.Packet{
		{Idx: m.video, IsKeyFrame: true, PTS: 0, DTS: 0, Data: idr},
		{Idx: m.audio, PTS: 0, DTS: 0, Data: append([]byte(nil), plainAudio...)},
		{Idx: m.audio, PTS: 1920, DTS: 1920, Data: aacFrame(2)},
		{Idx: m.video, PTS: 3000, DTS: 3000, Data: interFrame(1)},
		{Idx: m.audio, PTS: 3840, DTS: 3840, Data: aacFrame(3)},
		{Idx: m.video, PTS: 6000, DTS: 6000, Data: interFrame(2)},
	}
	for _, pkt := range packets {
		require.NoError(t, m.WritePacket(pkt))
	}
	require.NoError(t, m.WriteTrailer())
	require.NoError(t, m.WriteTrailer())

	info := m.readInfo(t)
	assert.Equal(t, [4]byte{'i', 's', 'o', 'm'}, info.MajorBrand)
	assert.False(t, info.FastStart)
	assert.Equal(t, uint32(MovieTimescale), info.Timescale)
	require.Len(t, info.Tracks, 2)

	video, audio := info.Tracks[0], info.Tracks[1]
	assert.Equal(t, uint32(1), video.TrackID)
	assert.Equal(t, uint32(90000), video.Timescale)
	assert.Equal(t, gomp4.CodecAVC1, video.Codec)
	assert.True(t, video.Encrypted)
	require.Len(t, video.Samples, 3)
	for _, s := range video.Samples {
		assert.Equal(t, uint32(3000), s.TimeDelta)
	}
	assert.Equal(t, uint64(9000), video.Duration)
	encv, avcC := m.protectedVideoEntry(t)
	assert.Equal(t, uint16(1280), encv.Width)
	assert.Equal(t, uint16(720), encv.Height)
	assert.Equal(t, uint8(0x42), avcC.Profile)
	assert.Equal(t, uint8(3), avcC.LengthSizeMinusOne)

	assert.Equal(t, uint32(2), audio.TrackID)
	assert.Equal(t, uint32(90000), audio.Timescale)
	assert.Equal(t, gomp4.CodecMP4A, audio.Codec)
	assert.True(t, audio.Encrypted)
	require.Len(t, audio.Samples, 3)
	assert.Equal(t, uint32(1920), audio.Samples[2].TimeDelta)

	// video key frame: only slice bodies are protected
	flags, infos := m.senc(t, 0)
	assert.Equal(t, uint32(sencUseSubsamples), flags)
	require.Len(t, infos, 3)
	assert.Len(t, infos[0].Subsamples, 3)
	assert.Equal(t, uint16(5), infos[0].Subsamples[0].Clear)

	first := video.Chunks[0].DataOffset
	sample := append([]byte(nil), m.buf.Bytes()[first:first+uint64(video.Samples[0].Size)]...)
	assert.NotEqual(t, plainIDR, sample)
	require.NoError(t, cenc.Decrypt(testKey, sample, infos[0]))
	assert.Equal(t, plainIDR, sample)

	flags, infos = m.senc(t, 1)
	assert.Zero(t, flags)
	require.Len(t, infos, 3)
	first = audio.Chunks[0].DataOffset
	sample = append([]byte(nil), m.buf.Bytes()[first:first+uint64(audio.Samples[0].Size)]...)
	require.NoError(t, cenc.Decrypt(testKey, sample, infos[0]))
	assert.Equal(t, plainAudio, sample)

	tenc := m.extract(t, gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(),
		gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(), gomp4.BoxTypeEncv(), gomp4.BoxTypeSinf(), gomp4.BoxTypeSchi(), gomp4.BoxTypeTenc())
	require.Len(t, tenc, 1)
	assert.Equal(t, [16]byte(cenc.DefaultKeyID), tenc[0].Payload.(*gomp4.Tenc).DefaultKID)
	assert.Equal(t, uint8(cenc.IVSize), tenc[0].Payload.(*gomp4.Tenc).DefaultPerSampleIVSize)

	mvhd := m.extract(t, gomp4.BoxTypeMoov(), gomp4.BoxTypeMvhd())
	require.Len(t, mvhd, 1)
	assert.Zero(t, mvhd[0].Payload.(*gomp4.Mvhd).CreationTimeV0)
}

func TestMuxerClear(t *testing.T) {
	m := newTestMuxer(t, Options{Now: func() time.Time { return time.Unix(1700000000, 0) }}, 0, false)
	require.NoError(t, m.WriteHeader())
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 0, DTS: av.NoPTS, Data: idrFrame()}))
	require.NoError(t, m.WriteTrailer())

	info := m.readInfo(t)
	require.Len(t, info.Tracks, 1)
	assert.False(t, info.Tracks[0].Encrypted)
	require.Len(t, info.Tracks[0].Samples, 1)
	// a lone sample gets the nominal frame duration
	assert.Equal(t, uint32(3000), info.Tracks[0].Samples[0].TimeDelta)

	mvhd := m.extract(t, gomp4.BoxTypeMoov(), gomp4.BoxTypeMvhd())
	require.Len(t, mvhd, 1)
	assert.Equal(t, uint32(1700000000+macEpochOffset), mvhd[0].Payload.(*gomp4.Mvhd).CreationTimeV0)
}

func TestMuxerRotation(t *testing.T) {
	m := newTestMuxer(t, Options{Flags: FlagNoTimestamps}, -270, false)
	require.NoError(t, m.WriteHeader())
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 0, DTS: 0, Data: idrFrame()}))
	require.NoError(t, m.WriteTrailer())

	tkhd := m.extract(t, gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeTkhd())
	require.Len(t, tkhd, 1)
	assert.Equal(t, rotationMatrix(90, 1280, 720), tkhd[0].Payload.(*gomp4.Tkhd).Matrix)
	assert.Equal(t, uint32(1280<<16), tkhd[0].Payload.(*gomp4.Tkhd).Width)
}

func TestMuxerNonMonotonicDTS(t *testing.T) {
	m := newTestMuxer(t, Options{}, 0, false)
	require.NoError(t, m.WriteHeader())
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 3000, DTS: 3000, Data: idrFrame()}))
	err := m.WritePacket(av.Packet{Idx: m.video, PTS: 3000, DTS: 3000, Data: interFrame(1)})
	assert.ErrorIs(t, err, ErrNonMonotonicDTS)
	err = m.WritePacket(av.Packet{Idx: m.video, PTS: 1000, DTS: 1000, Data: interFrame(2)})
	assert.ErrorIs(t, err, ErrNonMonotonicDTS)
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 6000, DTS: 6000, Data: interFrame(3)}))
	require.NoError(t, m.WriteTrailer())
	assert.Equal(t, 2, m.Streams()[0].SampleCount())
}

func TestMuxerManySliceAuxInfo(t *testing.T) {
	m := newTestMuxer(t, encryptedOptions(), 0, false)
	require.NoError(t, m.WriteHeader())

	nalus := [][]byte{testSPS, testPPS}
	for i := 0; i < 48; i++ {
		nalus = append(nalus, append([]byte{0x65}, bytes.Repeat([]byte{0x11}, 10+i)...))
	}
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 0, Data: annexB(nalus...)}))
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 3000, Data: interFrame(1)}))
	require.NoError(t, m.WriteTrailer())

	_, infos := m.senc(t, 0)
	require.Len(t, infos, 2)
	assert.Len(t, infos[0].Subsamples, cenc.MaxSubsamples)

	boxes := m.extract(t, gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeSaiz())
	require.Len(t, boxes, 1)
	saiz := boxes[0].Payload.(*gomp4.Saiz)
	assert.Equal(t, uint8(0), saiz.DefaultSampleInfoSize)
	assert.Equal(t, []uint8{uint8(infos[0].Size(true)), uint8(infos[1].Size(true))}, saiz.SampleInfoSize)
	assert.Equal(t, uint8(cenc.MaxAuxInfoSize-5), saiz.SampleInfoSize[0])
}

func TestWriteAuxInfoRejectsOversizedEntry(t *testing.T) {
	enc, err := cenc.NewEncryptor(testKey, cenc.PolicyNALSubsample)
	require.NoError(t, err)
	st := &Stream{enc: enc}
	aux := cenc.SampleInfo{Subsamples: make([]cenc.Subsample, cenc.MaxSubsamples+1)}
	require.Greater(t, aux.Size(true), cenc.MaxAuxInfoSize)

	var buf seekablebuffer.Buffer
	b := newBoxWriter(&buf)
	st.writeAuxInfo(b, []sample{{aux: aux}}, 0)
	assert.ErrorIs(t, b.err, cenc.ErrTooManySubsamples)
	assert.Empty(t, buf.Bytes())
}

func TestMuxerRejectedSampleKeepsParamSets(t *testing.T) {
	m := newTestMuxer(t, Options{}, 0, false)
	require.NoError(t, m.WriteHeader())
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 3000, DTS: 3000, Data: idrFrame()}))

	otherPPS := []byte{0x68, 0xce, 0x3c, 0x80}
	err := m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 3000, DTS: 3000,
		Data: annexB(testSPS, otherPPS, []byte{0x65, 0x88, 0x84, 0x00, 0x21})})
	assert.ErrorIs(t, err, ErrNonMonotonicDTS)

	st := m.Streams()[0]
	assert.Equal(t, testPPS, st.h264.PPS)

	// a parameter-set-only unit is not a sample and needs no new DTS
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 3000, DTS: 3000, Data: annexB(testSPS, otherPPS)}))
	assert.Equal(t, otherPPS, st.h264.PPS)
	require.NoError(t, m.WriteTrailer())
	assert.Equal(t, 1, st.SampleCount())
}

func TestMuxerDropsLeadingNonSync(t *testing.T) {
	m := newTestMuxer(t, Options{}, 0, false)
	require.NoError(t, m.WriteHeader())
	// codec config, then an orphan inter frame, then the first key frame
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 0, Data: annexB(testSPS, testPPS)}))
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 50000, DTS: 50000, Data: interFrame(1)}))
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 0, DTS: 0, Data: annexB([]byte{0x65, 0x88, 0x84, 0x00})}))
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 3000, DTS: 3000, Data: interFrame(2)}))
	require.NoError(t, m.WriteTrailer())

	st := m.Streams()[0]
	assert.Equal(t, 2, st.SampleCount())
	assert.Equal(t, testSPS, st.h264.SPS)
	assert.Equal(t, testPPS, st.h264.PPS)
	assert.Equal(t, uint8(0x42), st.h264.ProfileIdc())
}

func TestMuxerStateErrors(t *testing.T) {
	m := newTestMuxer(t, Options{}, 0, false)
	assert.ErrorIs(t, m.WritePacket(av.Packet{Idx: m.video}), ErrHeaderNotWritten)
	assert.ErrorIs(t, m.WriteTrailer(), ErrHeaderNotWritten)
	require.NoError(t, m.WriteHeader())
	assert.ErrorIs(t, m.WriteHeader(), ErrHeaderWritten)
	_, err := m.AddStream(h264parser.NewCodecData(640, 480, 0, 25, 0), av.TimeBase90k)
	assert.ErrorIs(t, err, ErrHeaderWritten)
	assert.ErrorIs(t, m.WritePacket(av.Packet{Idx: 5, PTS: 0}), ErrInvalidStream)
	assert.ErrorIs(t, m.WritePacket(av.Packet{Idx: m.video, PTS: av.NoPTS}), ErrMissingTimestamp)
	require.NoError(t, m.WriteTrailer())
	assert.ErrorIs(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 0}), ErrTrailerWritten)

	empty := NewMuxer(&seekablebuffer.Buffer{}, Options{})
	assert.ErrorIs(t, empty.WriteHeader(), ErrNoStreams)
	_, err = empty.AddStream(h264parser.NewCodecData(640, 480, 0, 25, 0), av.Rational{Num: 1001, Den: 30000})
	assert.ErrorIs(t, err, ErrInvalidTimeBase)
}

func TestMuxerBadScheme(t *testing.T) {
	opts := encryptedOptions()
	opts.Encryption.Scheme = "cbcs"
	m := newTestMuxer(t, opts, 0, false)
	assert.ErrorIs(t, m.WriteHeader(), cenc.ErrUnsupportedScheme)
}

func TestMuxerEditList(t *testing.T) {
	m := newTestMuxer(t, Options{Flags: FlagNoTimestamps | FlagSeekToPTS}, 0, true)
	require.NoError(t, m.WriteHeader())
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, IsKeyFrame: true, PTS: 0, DTS: 0, Data: idrFrame()}))
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.audio, PTS: 9000, DTS: 9000, Data: aacFrame(1)}))
	require.NoError(t, m.WritePacket(av.Packet{Idx: m.video, PTS: 3000, DTS: 3000, Data: interFrame(1)}))
	require.NoError(t, m.WriteTrailer())

	info := m.readInfo(t)
	require.Len(t, info.Tracks, 2)
	require.Len(t, info.Tracks[1].EditList, 2)
	assert.Equal(t, int64(-1), info.Tracks[1].EditList[0].MediaTime)
	assert.Equal(t, uint64(100), info.Tracks[1].EditList[0].SegmentDuration)
	require.Len(t, info.Tracks[0].EditList, 1)
	assert.Zero(t, info.Tracks[0].EditList[0].MediaTime)
}
