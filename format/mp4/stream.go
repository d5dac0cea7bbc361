package mp4

import (
	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/av"
	"github.com/cryptorec/cencmux/cenc"
	"github.com/cryptorec/cencmux/codec/aacparser"
	"github.com/cryptorec/cencmux/codec/h264parser"
)

type sample struct {
	data     []byte
	offset   int64
	size     uint32
	dts      int64
	duration uint32
	sync     bool
	aux      cenc.SampleInfo
}

type chunk struct {
	offset int64
	count  uint32
}

// Stream is the per-track state of the muxer.
type Stream struct {
	av.CodecData
	idx       int8
	trackID   uint32
	timeBase  av.Rational
	timeScale uint32
	h264      *h264parser.CodecData
	aac       *aacparser.CodecData
	enc       *cenc.Encryptor
	logger    logging.LeveledLogger

	// input side, checked before queueing
	lastInDTS int64
	hasInput  bool
	seenSync  bool

	// output side, in interleaved order
	samples     []sample
	chunks      []chunk
	firstDTS    int64
	lastDTS     int64
	lastDelta   uint32
	sampleCount int
	duration    int64

	// fragmented output
	randomAccess []randomAccessPoint
}

type randomAccessPoint struct {
	time       uint64
	moofOffset int64
	traf       uint32
}

func newStream(codec av.CodecData, idx int8, timeBase av.Rational, logger logging.LeveledLogger) (*Stream, error) {
	if !timeBase.Valid() || timeBase.Num != 1 || timeBase.Den > 0xffffffff {
		return nil, errors.Wrapf(ErrInvalidTimeBase, "%s", timeBase)
	}
	self := &Stream{
		CodecData: codec,
		idx:       idx,
		trackID:   uint32(idx) + 1,
		timeBase:  timeBase,
		timeScale: uint32(timeBase.Den),
		logger:    logger,
	}
	switch cd := codec.(type) {
	case *h264parser.CodecData:
		self.h264 = cd
	case *aacparser.CodecData:
		self.aac = cd
	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%v", codec.Type())
	}
	return self, nil
}

func (self *Stream) Index() int8 {
	return self.idx
}

func (self *Stream) TrackID() uint32 {
	return self.trackID
}

func (self *Stream) TimeScale() uint32 {
	return self.timeScale
}

// SampleCount is the number of samples written so far.
func (self *Stream) SampleCount() int {
	return self.sampleCount
}

func (self *Stream) isVideo() bool {
	return self.h264 != nil
}

// nominalDuration is used for a final sample whose successor never arrived.
func (self *Stream) nominalDuration() uint32 {
	if self.lastDelta != 0 {
		return self.lastDelta
	}
	switch {
	case self.h264 != nil && self.h264.Framerate > 0:
		return uint32(int64(self.timeScale) / int64(self.h264.Framerate))
	case self.aac != nil && self.aac.SampleRate() > 0:
		return uint32(int64(aacparser.SamplesPerFrame) * int64(self.timeScale) / int64(self.aac.SampleRate()))
	}
	return 1
}

// prepare normalizes the payload of an incoming packet into an owned sample
// body. It returns false for packets that produce no sample. Parameter sets
// carried next to slices and the sync gate only change once the DTS is accepted.
func (self *Stream) prepare(pkt *av.Packet) (bool, error) {
	if self.aac != nil {
		data := aacparser.StripADTS(pkt.Data)
		if len(data) == 0 {
			return false, nil
		}
		if err := self.checkDTS(pkt.DTS); err != nil {
			return false, err
		}
		pkt.Data = append([]byte(nil), data...)
		return true, nil
	}
	nalus, _ := h264parser.SplitNALUs(pkt.Data)
	var sps, pps []byte
	slices := 0
	for _, nalu := range nalus {
		switch h264parser.NALUType(nalu) {
		case h264parser.NALU_SPS:
			sps = nalu
		case h264parser.NALU_PPS:
			pps = nalu
		}
		if h264parser.IsSliceNALU(nalu) {
			slices++
		}
	}
	if slices == 0 {
		self.updateParamSets(sps, pps)
		return false, nil
	}
	if !self.seenSync && !pkt.IsKeyFrame {
		self.logger.Debugf("track %d: dropping non-sync sample before first sync sample", self.trackID)
		return false, nil
	}
	if err := self.checkDTS(pkt.DTS); err != nil {
		return false, err
	}
	self.updateParamSets(sps, pps)
	self.seenSync = true
	pkt.Data = h264parser.AVCC(nalus)
	return true, nil
}

func (self *Stream) updateParamSets(sps, pps []byte) {
	if sps != nil {
		if pps == nil {
			pps = self.h264.PPS
		}
		if err := self.h264.SetParamSets(sps, pps); err != nil {
			self.logger.Warnf("track %d: ignoring sps: %v", self.trackID, err)
		} else if w, h, ok := self.h264.SPSSize(); ok && (w != self.h264.Width() || h != self.h264.Height()) {
			self.logger.Warnf("track %d: sps codes %dx%d, stream declares %dx%d", self.trackID, w, h, self.h264.Width(), self.h264.Height())
		}
	} else if pps != nil && len(self.h264.SPS) > 0 {
		self.h264.PPS = append([]byte(nil), pps...)
	}
}

// checkDTS enforces strictly increasing input DTS.
func (self *Stream) checkDTS(dts int64) error {
	if self.hasInput && dts <= self.lastInDTS {
		return errors.Wrapf(ErrNonMonotonicDTS, "track %d: %d after %d", self.trackID, dts, self.lastInDTS)
	}
	self.hasInput = true
	self.lastInDTS = dts
	return nil
}

// addSample encrypts pkt and appends it, closing the duration of the previous sample.
func (self *Stream) addSample(pkt av.Packet, offset int64, keepData bool) (*sample, error) {
	s := sample{
		offset: offset,
		size:   uint32(len(pkt.Data)),
		dts:    pkt.DTS,
		sync:   pkt.IsKeyFrame || self.aac != nil,
	}
	if self.enc != nil {
		aux, err := self.enc.EncryptSample(pkt.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "track %d", self.trackID)
		}
		s.aux = aux
	}
	if keepData {
		s.data = pkt.Data
	}
	if self.sampleCount == 0 {
		self.firstDTS = pkt.DTS
	} else {
		delta := pkt.DTS - self.lastDTS
		if delta <= 0 || delta > 0xffffffff {
			return nil, errors.Wrapf(ErrTimestampOverflow, "track %d: delta %d", self.trackID, delta)
		}
		self.lastDelta = uint32(delta)
		self.duration += delta
		if n := len(self.samples); n > 0 {
			self.samples[n-1].duration = uint32(delta)
		}
	}
	self.lastDTS = pkt.DTS
	self.sampleCount++
	self.samples = append(self.samples, s)
	return &self.samples[len(self.samples)-1], nil
}

// closeLast gives the final sample its duration.
func (self *Stream) closeLast() {
	n := len(self.samples)
	if n == 0 || self.samples[n-1].duration != 0 {
		return
	}
	d := self.nominalDuration()
	self.samples[n-1].duration = d
	self.duration += int64(d)
}

func (self *Stream) encrypted() bool {
	return self.enc != nil
}

func (self *Stream) usesSubsamples() bool {
	return self.enc != nil && self.enc.UsesSubsamples()
}
