package mp4

import (
	"encoding/binary"
	"math"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/av"
	"github.com/cryptorec/cencmux/av/timescale"
)

// trackFragment is one traf of a pending fragment with the samples it covers.
type trackFragment struct {
	st          *Stream
	samples     []sample
	tfhd        *gomp4.Tfhd
	tfdt        *gomp4.Tfdt
	trun        *gomp4.Trun
	dataOffset  int64
	dataSize    int64
	independent bool
}

// addFragmentSample queues a sample and cuts a fragment when the clock track
// reaches a sync sample at least FragmentDuration after the fragment start.
func (self *Muxer) addFragmentSample(st *Stream, pkt av.Packet) error {
	if _, err := st.addSample(pkt, 0, true); err != nil {
		return err
	}
	if st != self.clock || (st.isVideo() && !pkt.IsKeyFrame) {
		return nil
	}
	if !self.fragOpen {
		self.fragOpen = true
		self.fragStart = pkt.DTS
		return nil
	}
	if timescale.Duration(pkt.DTS-self.fragStart, st.timeScale) < self.opts.FragmentDuration {
		return nil
	}
	if err := self.flushFragment(false); err != nil {
		return err
	}
	self.fragStart = pkt.DTS
	return nil
}

// makeFragment takes every sample whose duration is known. The last sample
// stays pending until its successor arrives, unless final is set.
func (self *Stream) makeFragment(final bool) *trackFragment {
	if final {
		self.closeLast()
	}
	n := len(self.samples)
	if n > 0 && self.samples[n-1].duration == 0 {
		n--
	}
	if n == 0 {
		return nil
	}
	samples := self.samples[:n]
	self.samples = append([]sample(nil), self.samples[n:]...)

	defaultFlags := uint32(SampleNoDependencies)
	if self.isVideo() {
		defaultFlags = SampleNonKeyframe
	}
	tf := &trackFragment{
		st:      self,
		samples: samples,
		tfhd:    &gomp4.Tfhd{TrackID: self.trackID},
		tfdt:    &gomp4.Tfdt{BaseMediaDecodeTimeV1: uint64(samples[0].dts - self.dtsShift())},
		trun: &gomp4.Trun{
			SampleCount: uint32(n),
			Entries:     make([]gomp4.TrunEntry, n),
		},
	}
	tf.tfdt.SetVersion(1)
	tfhdFlags := uint32(tfhdDefaultBaseIsMoof)
	trunFlags := uint32(trunDataOffset)
	var firstFlags uint32
	for i, s := range samples {
		entry := gomp4.TrunEntry{
			SampleDuration: s.duration,
			SampleSize:     s.size,
			SampleFlags:    defaultFlags,
		}
		if s.sync {
			entry.SampleFlags = SampleNoDependencies
		}
		tf.dataSize += int64(s.size)
		switch {
		case i == 0:
			// the first sample's values are the defaults until another sample disagrees
			tf.tfhd.DefaultSampleDuration = entry.SampleDuration
			tf.tfhd.DefaultSampleSize = entry.SampleSize
			tf.tfhd.DefaultSampleFlags = entry.SampleFlags
			firstFlags = entry.SampleFlags
		default:
			if entry.SampleDuration != tf.tfhd.DefaultSampleDuration {
				tf.tfhd.DefaultSampleDuration = 0
			}
			if entry.SampleSize != tf.tfhd.DefaultSampleSize {
				tf.tfhd.DefaultSampleSize = 0
			}
			// first sample flags are carried separately, so defaults start at the second
			if i == 1 {
				tf.tfhd.DefaultSampleFlags = entry.SampleFlags
			} else if entry.SampleFlags != tf.tfhd.DefaultSampleFlags {
				tf.tfhd.DefaultSampleFlags = 0
			}
		}
		tf.trun.Entries[i] = entry
	}
	if tf.tfhd.DefaultSampleSize != 0 {
		tfhdFlags |= tfhdDefaultSize
	} else {
		trunFlags |= trunSampleSize
	}
	if tf.tfhd.DefaultSampleDuration != 0 {
		tfhdFlags |= tfhdDefaultDuration
	} else {
		trunFlags |= trunSampleDuration
	}
	if tf.tfhd.DefaultSampleFlags != 0 {
		tfhdFlags |= tfhdDefaultFlags
		if firstFlags != tf.tfhd.DefaultSampleFlags {
			trunFlags |= trunFirstSampleFlags
			tf.trun.FirstSampleFlags = firstFlags
		}
	} else {
		trunFlags |= trunSampleFlags
	}
	tf.tfhd.SetFlags(tfhdFlags)
	tf.trun.SetFlags(trunFlags)
	tf.independent = firstFlags&SampleNoDependencies != 0
	return tf
}

// dtsShift keeps decode times non-negative when a track starts before zero.
func (self *Stream) dtsShift() int64 {
	if self.firstDTS < 0 {
		return self.firstDTS
	}
	return 0
}

// flushFragment writes a moof/mdat pair with all samples ready on every track.
func (self *Muxer) flushFragment(final bool) error {
	if !self.initWritten {
		if err := self.writeInit(); err != nil {
			return errors.Wrap(err, "init segment")
		}
	}
	var trafs []*trackFragment
	var dataSize int64
	for _, st := range self.streams {
		if tf := st.makeFragment(final); tf != nil {
			tf.dataOffset = dataSize
			dataSize += tf.dataSize
			trafs = append(trafs, tf)
		}
	}
	if len(trafs) == 0 {
		return nil
	}
	self.seqNum++

	mdat := &gomp4.BoxInfo{Type: gomp4.BoxTypeMdat(), HeaderSize: gomp4.SmallHeaderSize}
	if dataSize+gomp4.SmallHeaderSize > math.MaxUint32 {
		mdat.HeaderSize = gomp4.LargeHeaderSize
	}
	mdat.Size = mdat.HeaderSize + uint64(dataSize)

	// first pass measures the moof, second pass fills in the data offsets
	moof, err := self.marshalMoof(trafs, 0)
	if err != nil {
		return err
	}
	if moof, err = self.marshalMoof(trafs, int64(len(moof))+int64(mdat.HeaderSize)); err != nil {
		return err
	}
	moofOffset := self.pos
	if _, err = self.bw.Write(moof); err != nil {
		return errors.Wrap(err, "moof")
	}
	if _, err = gomp4.WriteBoxInfo(self.bw, mdat); err != nil {
		return errors.Wrap(err, "mdat")
	}
	for _, tf := range trafs {
		for _, s := range tf.samples {
			if _, err = self.bw.Write(s.data); err != nil {
				return errors.Wrap(err, "mdat")
			}
		}
	}
	self.pos += int64(len(moof)) + int64(mdat.Size)

	for i, tf := range trafs {
		if tf.independent {
			tf.st.randomAccess = append(tf.st.randomAccess, randomAccessPoint{
				time:       tf.tfdt.BaseMediaDecodeTimeV1,
				moofOffset: moofOffset,
				traf:       uint32(i + 1),
			})
		}
	}
	self.logger.Tracef("fragment %d: %d tracks, %d bytes of media", self.seqNum, len(trafs), dataSize)
	return nil
}

func (self *Muxer) marshalMoof(trafs []*trackFragment, dataStart int64) ([]byte, error) {
	var buf seekablebuffer.Buffer
	b := newBoxWriter(&buf)
	b.start(gomp4.BoxTypeMoof())
	b.box(&gomp4.Mfhd{SequenceNumber: self.seqNum})
	for _, tf := range trafs {
		b.start(gomp4.BoxTypeTraf())
		b.box(tf.tfhd)
		b.box(tf.tfdt)
		tf.trun.DataOffset = int32(dataStart + tf.dataOffset)
		b.box(tf.trun)
		if tf.st.encrypted() {
			// offsets are relative to the moof because of default-base-is-moof
			sencPos := b.offset()
			tf.st.writeSampleEncryption(b, tf.samples)
			tf.st.writeAuxInfo(b, tf.samples, uint64(sencPos+sencAuxOffset))
		}
		b.end()
	}
	b.end()
	if b.err != nil {
		return nil, errors.Wrap(b.err, "moof")
	}
	return buf.Bytes(), nil
}

// writeInit writes ftyp and a moov with empty sample tables and mvex.
func (self *Muxer) writeInit() error {
	var buf seekablebuffer.Buffer
	b := newBoxWriter(&buf)
	ftyp := &gomp4.Ftyp{
		MajorBrand:   fourCC("iso6"),
		MinorVersion: 0x200,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: fourCC("iso6")},
			{CompatibleBrand: fourCC("iso5")},
			{CompatibleBrand: fourCC("mp41")},
		},
	}
	b.box(ftyp)
	b.start(gomp4.BoxTypeMoov())
	self.writeMovieHeader(b, 0)
	for _, st := range self.streams {
		self.writeTrack(b, st, 0, false)
	}
	b.start(gomp4.BoxTypeMvex())
	for _, st := range self.streams {
		b.box(&gomp4.Trex{TrackID: st.trackID, DefaultSampleDescriptionIndex: 1})
	}
	b.end()
	b.end()
	if b.err != nil {
		return b.err
	}
	n, err := self.bw.Write(buf.Bytes())
	self.pos += int64(n)
	if err != nil {
		return err
	}
	self.initWritten = true
	return nil
}

func (self *Muxer) finishFragmented() error {
	if err := self.flushFragment(true); err != nil {
		return err
	}
	if self.opts.Flags&FlagSeekToPTS == 0 {
		return nil
	}
	return self.writeRandomAccess()
}

// writeRandomAccess writes mfra with one tfra per track, closed by mfro.
func (self *Muxer) writeRandomAccess() error {
	var buf seekablebuffer.Buffer
	b := newBoxWriter(&buf)
	b.start(gomp4.BoxTypeMfra())
	for _, st := range self.streams {
		tfra := &gomp4.Tfra{
			TrackID:       st.trackID,
			NumberOfEntry: uint32(len(st.randomAccess)),
		}
		tfra.SetVersion(1)
		for _, ra := range st.randomAccess {
			tfra.Entries = append(tfra.Entries, gomp4.TfraEntry{
				TimeV1:       ra.time,
				MoofOffsetV1: uint64(ra.moofOffset),
				TrafNumber:   ra.traf,
				TrunNumber:   1,
				SampleNumber: 1,
			})
		}
		b.box(tfra)
	}
	b.box(&gomp4.Mfro{})
	b.end()
	if b.err != nil {
		return errors.Wrap(b.err, "mfra")
	}
	mfra := buf.Bytes()
	// mfro closes the box and carries the size of the whole mfra
	binary.BigEndian.PutUint32(mfra[len(mfra)-4:], uint32(len(mfra)))
	n, err := self.bw.Write(mfra)
	self.pos += int64(n)
	return err
}
