package mp4

import (
	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/cenc"
	"github.com/cryptorec/cencmux/codec/h264parser"
)

var languageUndetermined = [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60}

// writeMovieHeader writes mvhd for the given duration in MovieTimescale units.
func (self *Muxer) writeMovieHeader(b *boxWriter, duration uint64) {
	mvhd := &gomp4.Mvhd{
		Timescale:   MovieTimescale,
		Rate:        0x10000,
		Volume:      0x100,
		Matrix:      identityMatrix,
		NextTrackID: uint32(len(self.streams)) + 1,
	}
	if duration > 0xffffffff || self.created > 0xffffffff {
		mvhd.SetVersion(1)
		mvhd.CreationTimeV1 = self.created
		mvhd.ModificationTimeV1 = self.created
		mvhd.DurationV1 = duration
	} else {
		mvhd.CreationTimeV0 = uint32(self.created)
		mvhd.ModificationTimeV0 = uint32(self.created)
		mvhd.DurationV0 = uint32(duration)
	}
	b.box(mvhd)
}

// writeTrack writes one trak. With samples set, the sample tables are filled from
// the stream; otherwise they are left empty for fragmented output.
func (self *Muxer) writeTrack(b *boxWriter, st *Stream, base int64, samples bool) {
	trackDuration := uint64(0)
	mediaDuration := uint64(0)
	var edits []gomp4.ElstEntry
	if samples {
		mediaDuration = uint64(st.duration)
		trackDuration = movieDuration(st.duration, st)
		if self.opts.Flags&FlagSeekToPTS != 0 && st.sampleCount > 0 {
			edits = st.editList(trackDuration)
			trackDuration = 0
			for _, e := range edits {
				trackDuration += e.SegmentDurationV1
			}
		}
	}

	b.start(gomp4.BoxTypeTrak())
	tkhd := &gomp4.Tkhd{
		FullBox: fullBoxFlags(tkhdEnabledInMovie),
		TrackID: st.trackID,
		Matrix:  identityMatrix,
	}
	if trackDuration > 0xffffffff || self.created > 0xffffffff {
		tkhd.SetVersion(1)
		tkhd.CreationTimeV1 = self.created
		tkhd.ModificationTimeV1 = self.created
		tkhd.DurationV1 = trackDuration
	} else {
		tkhd.CreationTimeV0 = uint32(self.created)
		tkhd.ModificationTimeV0 = uint32(self.created)
		tkhd.DurationV0 = uint32(trackDuration)
	}
	if st.isVideo() {
		tkhd.Matrix = rotationMatrix(st.h264.Rotation, st.h264.Width(), st.h264.Height())
		tkhd.Width = uint32(st.h264.Width()) << 16
		tkhd.Height = uint32(st.h264.Height()) << 16
	} else {
		tkhd.Volume = 0x100
		tkhd.AlternateGroup = 1
	}
	b.box(tkhd)

	if len(edits) > 0 {
		b.start(gomp4.BoxTypeEdts())
		elst := &gomp4.Elst{EntryCount: uint32(len(edits)), Entries: edits}
		elst.SetVersion(1)
		b.box(elst)
		b.end()
	}

	b.start(gomp4.BoxTypeMdia())
	mdhd := &gomp4.Mdhd{
		Timescale: st.timeScale,
		Language:  languageUndetermined,
	}
	if mediaDuration > 0xffffffff || self.created > 0xffffffff {
		mdhd.SetVersion(1)
		mdhd.CreationTimeV1 = self.created
		mdhd.ModificationTimeV1 = self.created
		mdhd.DurationV1 = mediaDuration
	} else {
		mdhd.CreationTimeV0 = uint32(self.created)
		mdhd.ModificationTimeV0 = uint32(self.created)
		mdhd.DurationV0 = uint32(mediaDuration)
	}
	b.box(mdhd)
	if st.isVideo() {
		b.box(&gomp4.Hdlr{HandlerType: fourCC("vide"), Name: "VideoHandler"})
	} else {
		b.box(&gomp4.Hdlr{HandlerType: fourCC("soun"), Name: "SoundHandler"})
	}

	b.start(gomp4.BoxTypeMinf())
	if st.isVideo() {
		b.box(&gomp4.Vmhd{FullBox: fullBoxFlags(vmhdNoLeanAhead)})
	} else {
		b.box(&gomp4.Smhd{})
	}
	b.start(gomp4.BoxTypeDinf())
	b.open(&gomp4.Dref{EntryCount: 1})
	b.box(&gomp4.Url{FullBox: fullBoxFlags(urlSelfContained)})
	b.end()
	b.end()

	b.start(gomp4.BoxTypeStbl())
	b.open(&gomp4.Stsd{EntryCount: 1})
	self.writeSampleEntry(b, st)
	b.end()
	if samples {
		st.writeSampleTables(b, base)
	} else {
		b.box(&gomp4.Stts{})
		b.box(&gomp4.Stsc{})
		b.box(&gomp4.Stsz{})
		b.box(&gomp4.Stco{})
	}
	b.end() // stbl
	b.end() // minf
	b.end() // mdia
	b.end() // trak
}

// editList aligns the track on presentation time: a leading empty edit delays a
// track that starts late, and a media time skips samples before zero.
func (self *Stream) editList(trackDuration uint64) []gomp4.ElstEntry {
	var edits []gomp4.ElstEntry
	mediaTime := int64(0)
	if self.firstDTS > 0 {
		edits = append(edits, gomp4.ElstEntry{
			SegmentDurationV1: movieDuration(self.firstDTS, self),
			MediaTimeV1:       -1,
			MediaRateInteger:  1,
		})
	} else if self.firstDTS < 0 {
		mediaTime = -self.firstDTS
		trackDuration = movieDuration(self.duration+self.firstDTS, self)
	}
	return append(edits, gomp4.ElstEntry{
		SegmentDurationV1: trackDuration,
		MediaTimeV1:       mediaTime,
		MediaRateInteger:  1,
	})
}

func (self *Muxer) writeSampleEntry(b *boxWriter, st *Stream) {
	protected := st.encrypted()
	switch {
	case st.h264 != nil:
		typ := gomp4.BoxTypeAvc1()
		if protected {
			typ = gomp4.BoxTypeEncv()
		}
		var compressor [32]byte
		b.open(&gomp4.VisualSampleEntry{
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: typ},
				DataReferenceIndex: 1,
			},
			Width:           uint16(st.h264.Width()),
			Height:          uint16(st.h264.Height()),
			Horizresolution: 72 << 16,
			Vertresolution:  72 << 16,
			FrameCount:      1,
			Compressorname:  compressor,
			Depth:           0x18,
			PreDefined3:     -1,
		})
		b.box(avcConfig(st.h264))
		if st.h264.Bitrate > 0 {
			b.box(&gomp4.Btrt{MaxBitrate: uint32(st.h264.Bitrate), AvgBitrate: uint32(st.h264.Bitrate)})
		}
		if protected {
			self.writeProtection(b, "avc1")
		}
		b.end()
	case st.aac != nil:
		typ := gomp4.BoxTypeMp4a()
		if protected {
			typ = gomp4.BoxTypeEnca()
		}
		b.open(&gomp4.AudioSampleEntry{
			SampleEntry: gomp4.SampleEntry{
				AnyTypeBox:         gomp4.AnyTypeBox{Type: typ},
				DataReferenceIndex: 1,
			},
			ChannelCount: uint16(st.aac.ChannelCount()),
			SampleSize:   16,
			SampleRate:   sampleRateFixed(st.aac.SampleRate()),
		})
		b.box(esdsConfig(st))
		if st.aac.Bitrate > 0 {
			b.box(&gomp4.Btrt{MaxBitrate: uint32(st.aac.Bitrate), AvgBitrate: uint32(st.aac.Bitrate)})
		}
		if protected {
			self.writeProtection(b, "mp4a")
		}
		b.end()
	default:
		b.err = errors.Wrapf(ErrUnsupportedCodec, "%v", st.Type())
	}
}

func sampleRateFixed(rate int) uint32 {
	if rate > 0xffff {
		return 0
	}
	return uint32(rate) << 16
}

// writeProtection writes sinf: the original format, the scheme and the default key.
func (self *Muxer) writeProtection(b *boxWriter, format string) {
	enc := self.opts.Encryption
	b.start(gomp4.BoxTypeSinf())
	b.box(&gomp4.Frma{DataFormat: fourCC(format)})
	b.box(&gomp4.Schm{SchemeType: fourCC(cenc.SchemeType), SchemeVersion: 0x00010000})
	b.start(gomp4.BoxTypeSchi())
	b.box(&gomp4.Tenc{
		DefaultIsProtected:     1,
		DefaultPerSampleIVSize: cenc.IVSize,
		DefaultKID:             [16]byte(enc.KeyID),
	})
	b.end()
	b.end()
}

func avcConfig(cd *h264parser.CodecData) *gomp4.AVCDecoderConfiguration {
	conf := &gomp4.AVCDecoderConfiguration{
		AnyTypeBox:           gomp4.AnyTypeBox{Type: gomp4.BoxTypeAvcC()},
		ConfigurationVersion: 1,
		Profile:              cd.ProfileIdc(),
		ProfileCompatibility: cd.ProfileCompatibility(),
		Level:                cd.LevelIdc(),
		LengthSizeMinusOne:   3,
	}
	if len(cd.SPS) > 0 {
		conf.NumOfSequenceParameterSets = 1
		conf.SequenceParameterSets = []gomp4.AVCParameterSet{{Length: uint16(len(cd.SPS)), NALUnit: cd.SPS}}
	}
	if len(cd.PPS) > 0 {
		conf.NumOfPictureParameterSets = 1
		conf.PictureParameterSets = []gomp4.AVCParameterSet{{Length: uint16(len(cd.PPS)), NALUnit: cd.PPS}}
	}
	switch conf.Profile {
	case gomp4.AVCHighProfile, gomp4.AVCHigh10Profile, gomp4.AVCHigh422Profile, 144:
		conf.HighProfileFieldsEnabled = true
		conf.ChromaFormat = 1
	}
	return conf
}

// esdsConfig builds the ES descriptor chain for AAC. Descriptor sizes are
// written as 4-byte varints, so each header is 5 bytes.
func esdsConfig(st *Stream) *gomp4.Esds {
	asc := st.aac.MPEG4AudioConfigBytes()
	const (
		hdr            = 5
		decoderConfLen = 13
		objectTypeAAC  = 0x40
		streamTypeAud  = 0x05
		slPredefMP4    = 0x02
	)
	decSpecific := uint32(len(asc))
	decoderConf := decoderConfLen + hdr + decSpecific
	esDesc := 3 + hdr + decoderConf + hdr + 1
	bitrate := uint32(st.aac.Bitrate)
	return &gomp4.Esds{
		Descriptors: []gomp4.Descriptor{
			{
				Tag:  gomp4.ESDescrTag,
				Size: esDesc,
				ESDescriptor: &gomp4.ESDescriptor{
					ESID: uint16(st.trackID),
				},
			},
			{
				Tag:  gomp4.DecoderConfigDescrTag,
				Size: decoderConf,
				DecoderConfigDescriptor: &gomp4.DecoderConfigDescriptor{
					ObjectTypeIndication: objectTypeAAC,
					StreamType:           streamTypeAud,
					Reserved:             true,
					MaxBitrate:           bitrate,
					AvgBitrate:           bitrate,
				},
			},
			{
				Tag:  gomp4.DecSpecificInfoTag,
				Size: decSpecific,
				Data: asc,
			},
			{
				Tag:  gomp4.SLConfigDescrTag,
				Size: 1,
				Data: []byte{slPredefMP4},
			},
		},
	}
}
