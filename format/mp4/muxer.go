// Package mp4 writes H.264 and AAC streams into an ISO-BMFF file, optionally
// protected with Common Encryption. Progressive output places moov after the
// media data. Fragmented output writes an init segment and moof/mdat pairs.
package mp4

import (
	"io"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/av"
	"github.com/cryptorec/cencmux/av/timescale"
	"github.com/cryptorec/cencmux/cenc"
)

// seconds between 1904-01-01 and 1970-01-01
const macEpochOffset = 2082844800

type Muxer struct {
	w       io.WriteSeeker
	bw      *gomp4.Writer
	opts    Options
	streams []*Stream
	il      *interleaver
	logger  logging.LeveledLogger

	headerWritten  bool
	trailerWritten bool
	created        uint64
	pos            int64

	// progressive
	mdat    *gomp4.BoxInfo
	lastIdx int8

	// fragmented
	initWritten bool
	seqNum      uint32
	fragOpen    bool
	fragStart   int64
	clock       *Stream
}

func NewMuxer(w io.WriteSeeker, opts Options) *Muxer {
	opts.setDefaults()
	return &Muxer{
		w:       w,
		bw:      gomp4.NewWriter(w),
		opts:    opts,
		logger:  opts.LoggerFactory.NewLogger("mp4"),
		lastIdx: -1,
	}
}

// AddStream registers a track. Streams are numbered in the order they are added.
func (self *Muxer) AddStream(codec av.CodecData, timeBase av.Rational) (int8, error) {
	if self.headerWritten {
		return -1, ErrHeaderWritten
	}
	if len(self.streams) >= 127 {
		return -1, errors.Wrap(ErrInvalidStream, "too many streams")
	}
	idx := int8(len(self.streams))
	st, err := newStream(codec, idx, timeBase, self.logger)
	if err != nil {
		return -1, err
	}
	self.streams = append(self.streams, st)
	return idx, nil
}

func (self *Muxer) Streams() []*Stream {
	return self.streams
}

// WriteHeader applies the encryption options and starts the file.
func (self *Muxer) WriteHeader() (err error) {
	if self.headerWritten {
		return ErrHeaderWritten
	}
	if len(self.streams) == 0 {
		return ErrNoStreams
	}
	if enc := self.opts.Encryption; enc != nil {
		if err = cenc.CheckScheme(enc.Scheme); err != nil {
			return err
		}
		for _, st := range self.streams {
			policy := enc.AudioPolicy
			if st.isVideo() {
				policy = enc.VideoPolicy
			}
			if st.enc, err = cenc.NewEncryptor(enc.Key, policy); err != nil {
				return errors.Wrapf(err, "track %d", st.trackID)
			}
		}
	}
	if self.opts.Flags&FlagNoTimestamps == 0 {
		self.created = uint64(self.opts.Now().Unix() + macEpochOffset)
	}
	self.il = newInterleaver(len(self.streams), self.opts.MaxInterleaveDelta.Microseconds())
	for _, st := range self.streams {
		if st.isVideo() {
			self.clock = st
			break
		}
	}
	if self.clock == nil {
		self.clock = self.streams[0]
	}
	if self.pos, err = self.w.Seek(0, io.SeekCurrent); err != nil {
		return errors.Wrap(err, "mp4: header")
	}
	if !self.opts.Fragmented {
		if err = self.writeProgressiveHeader(); err != nil {
			return errors.Wrap(err, "mp4: header")
		}
	}
	self.headerWritten = true
	self.logger.Debugf("header written: %d streams fragmented=%t encrypted=%t", len(self.streams), self.opts.Fragmented, self.opts.Encryption != nil)
	return nil
}

func (self *Muxer) writeProgressiveHeader() error {
	ftyp := &gomp4.Ftyp{
		MajorBrand:   fourCC("isom"),
		MinorVersion: 0x200,
		CompatibleBrands: []gomp4.CompatibleBrandElem{
			{CompatibleBrand: fourCC("isom")},
			{CompatibleBrand: fourCC("iso2")},
			{CompatibleBrand: fourCC("avc1")},
			{CompatibleBrand: fourCC("mp41")},
		},
	}
	if _, err := self.bw.StartBox(&gomp4.BoxInfo{Type: gomp4.BoxTypeFtyp()}); err != nil {
		return err
	}
	if _, err := gomp4.Marshal(self.bw, ftyp, gomp4.Context{}); err != nil {
		return err
	}
	if _, err := self.bw.EndBox(); err != nil {
		return err
	}
	// a 64-bit header so the size can be patched whatever the final length is
	mdat, err := self.bw.StartBox(&gomp4.BoxInfo{Type: gomp4.BoxTypeMdat(), HeaderSize: gomp4.LargeHeaderSize})
	if err != nil {
		return err
	}
	self.mdat = mdat
	self.pos = int64(mdat.Offset + mdat.HeaderSize)
	return nil
}

func (self *Muxer) WritePacket(pkt av.Packet) error {
	if !self.headerWritten {
		return ErrHeaderNotWritten
	}
	if self.trailerWritten {
		return ErrTrailerWritten
	}
	if pkt.Idx < 0 || int(pkt.Idx) >= len(self.streams) {
		return errors.Wrapf(ErrInvalidStream, "%d", pkt.Idx)
	}
	if pkt.PTS == av.NoPTS {
		return ErrMissingTimestamp
	}
	st := self.streams[pkt.Idx]
	if pkt.DTS == av.NoPTS {
		pkt.DTS = pkt.PTS
	}
	keep, err := st.prepare(&pkt)
	if err != nil || !keep {
		return err
	}
	self.il.push(pkt, st.timeBase)
	return self.drain(false)
}

func (self *Muxer) drain(flush bool) error {
	for {
		pkt, ok := self.il.pop(flush)
		if !ok {
			return nil
		}
		if err := self.writeSample(pkt); err != nil {
			return err
		}
	}
}

func (self *Muxer) writeSample(pkt av.Packet) error {
	st := self.streams[pkt.Idx]
	if self.opts.Fragmented {
		return self.addFragmentSample(st, pkt)
	}
	offset := self.pos
	if _, err := st.addSample(pkt, offset, false); err != nil {
		return err
	}
	n, err := self.bw.Write(pkt.Data)
	self.pos += int64(n)
	if err != nil {
		return errors.Wrap(err, "mp4: write sample")
	}
	if self.lastIdx == pkt.Idx && len(st.chunks) > 0 {
		st.chunks[len(st.chunks)-1].count++
	} else {
		st.chunks = append(st.chunks, chunk{offset: offset, count: 1})
	}
	self.lastIdx = pkt.Idx
	return nil
}

// WriteTrailer flushes queued packets and finishes the file. It may be called again after it succeeds.
func (self *Muxer) WriteTrailer() (err error) {
	if !self.headerWritten {
		return ErrHeaderNotWritten
	}
	if self.trailerWritten {
		return nil
	}
	if err = self.drain(true); err != nil {
		return err
	}
	if self.opts.Fragmented {
		err = self.finishFragmented()
	} else {
		err = self.finishProgressive()
	}
	if err != nil {
		return errors.Wrap(err, "mp4: trailer")
	}
	self.trailerWritten = true
	for _, st := range self.streams {
		self.logger.Debugf("track %d: %d samples, %s", st.trackID, st.sampleCount, timescale.Duration(st.duration, st.timeScale))
	}
	return nil
}

func (self *Muxer) finishProgressive() error {
	for _, st := range self.streams {
		st.closeLast()
	}
	if _, err := self.bw.EndBox(); err != nil {
		return err
	}
	return self.writeMoov()
}

// movieDuration converts track ticks into the mvhd timescale.
func movieDuration(ticks int64, st *Stream) uint64 {
	if ticks <= 0 {
		return 0
	}
	return uint64(timescale.Rescale(ticks, st.timeBase, av.Rational{Num: 1, Den: MovieTimescale}))
}
