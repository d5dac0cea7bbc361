// Package session drives one encrypted MP4 recording: it binds the output
// descriptor, registers the video and audio tracks, rebases frame timestamps
// and hands packets to the container writer.
package session

import (
	"io"
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/av"
	"github.com/cryptorec/cencmux/av/timescale"
	"github.com/cryptorec/cencmux/cenc"
	"github.com/cryptorec/cencmux/codec/h264parser"
	"github.com/cryptorec/cencmux/format/mp4"
	"github.com/cryptorec/cencmux/sink"
)

type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateClosed
)

func (self State) String() string {
	switch self {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sink is the byte destination the muxer writes through.
type Sink interface {
	io.ReadWriteSeeker
	io.Closer
}

// SinkOpener binds a descriptor. The returned sink owns fd.
type SinkOpener func(fd uintptr, mode string) (Sink, error)

// MuxerFactory builds the container writer for one recording.
type MuxerFactory func(w io.WriteSeeker, opts mp4.Options) av.Muxer

// MuxerFlags are the writer flags every recording uses.
const MuxerFlags = mp4.FlagNoTimestamps | mp4.FlagSeekToPTS

type Session struct {
	state  State
	muxer  av.Muxer
	sink   Sink
	logger logging.LeveledLogger

	videoIdx     int8
	audioIdx     int8
	videoWritten bool
	audioWritten bool
	videoBase    int64
	audioBase    int64

	keyID              cenc.KeyID
	classifier         h264parser.Classifier
	newMuxer           MuxerFactory
	openSink           SinkOpener
	loggerFactory      logging.LoggerFactory
	mode               string
	fragmented         bool
	fragmentDuration   time.Duration
	maxInterleaveDelta time.Duration
}

type Option func(*Session)

// WithKeyID replaces the default key identifier written into tenc.
func WithKeyID(kid cenc.KeyID) Option {
	return func(s *Session) {
		s.keyID = kid
	}
}

// WithClassifier sets the function that flags video key frames.
func WithClassifier(c h264parser.Classifier) Option {
	return func(s *Session) {
		if c != nil {
			s.classifier = c
		}
	}
}

func WithMuxerFactory(f MuxerFactory) Option {
	return func(s *Session) {
		if f != nil {
			s.newMuxer = f
		}
	}
}

func WithSinkOpener(o SinkOpener) Option {
	return func(s *Session) {
		if o != nil {
			s.openSink = o
		}
	}
}

func WithLoggerFactory(lf logging.LoggerFactory) Option {
	return func(s *Session) {
		if lf != nil {
			s.loggerFactory = lf
		}
	}
}

// WithFragmented switches to fragmented output. A zero fragmentDuration keeps the writer default.
func WithFragmented(fragmentDuration time.Duration) Option {
	return func(s *Session) {
		s.fragmented = true
		s.fragmentDuration = fragmentDuration
	}
}

// WithMaxInterleaveDelta bounds how long the writer waits for a silent track.
func WithMaxInterleaveDelta(d time.Duration) Option {
	return func(s *Session) {
		s.maxInterleaveDelta = d
	}
}

// WithMode sets the fdopen-style mode the descriptor is bound with.
func WithMode(mode string) Option {
	return func(s *Session) {
		if mode != "" {
			s.mode = mode
		}
	}
}

func New(opts ...Option) *Session {
	self := &Session{
		keyID:         cenc.DefaultKeyID,
		classifier:    h264parser.IsKeyFrameAtOffset,
		loggerFactory: logging.NewDefaultLoggerFactory(),
		mode:          sink.DefaultMode,
		videoIdx:      -1,
		audioIdx:      -1,
		videoBase:     av.NoPTS,
		audioBase:     av.NoPTS,
	}
	for _, opt := range opts {
		opt(self)
	}
	self.logger = self.loggerFactory.NewLogger("session")
	if self.newMuxer == nil {
		self.newMuxer = func(w io.WriteSeeker, opts mp4.Options) av.Muxer {
			return mp4.NewMuxer(w, opts)
		}
	}
	if self.openSink == nil {
		lf := self.loggerFactory
		self.openSink = func(fd uintptr, mode string) (Sink, error) {
			s := sink.New(lf)
			if err := s.Open(fd, mode); err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	return self
}

// Init binds fd and writes the file header for one video and one audio track.
// On failure the session keeps its previous state. A descriptor that was
// bound is released; one rejected before binding stays with the caller.
func (self *Session) Init(fd uintptr, video VideoDescriptor, audio AudioDescriptor, key []byte) error {
	if self.state == StateRunning {
		return ErrAlreadyRunning
	}
	if err := video.Validate(); err != nil {
		return err
	}
	if err := audio.Validate(); err != nil {
		return err
	}
	acd, err := audio.CodecData()
	if err != nil {
		return err
	}
	if len(key) != cenc.KeySize {
		return errors.Wrapf(ErrInvalidKey, "%d bytes", len(key))
	}

	out, err := self.openSink(fd, self.mode)
	if err != nil {
		self.logger.Errorf("bind fd %d: %v", fd, err)
		return errors.Wrapf(ErrResourceBinding, "%v", err)
	}

	muxer := self.newMuxer(out, mp4.Options{
		Flags:              MuxerFlags,
		Fragmented:         self.fragmented,
		FragmentDuration:   self.fragmentDuration,
		MaxInterleaveDelta: self.maxInterleaveDelta,
		Encryption: &mp4.EncryptionOptions{
			Scheme:      cenc.SchemeAESCTR,
			Key:         append([]byte(nil), key...),
			KeyID:       self.keyID,
			VideoPolicy: cenc.PolicyNALSubsample,
			AudioPolicy: cenc.PolicyFullSample,
		},
		LoggerFactory: self.loggerFactory,
	})
	videoIdx, audioIdx, err := self.writeHeader(muxer, video, acd)
	if err != nil {
		self.logger.Errorf("write header: %v", err)
		if cerr := out.Close(); cerr != nil {
			self.logger.Warnf("close sink: %v", cerr)
		}
		return errors.Wrapf(ErrHeaderWrite, "%v", err)
	}

	self.muxer = muxer
	self.sink = out
	self.videoIdx = videoIdx
	self.audioIdx = audioIdx
	self.videoWritten = false
	self.audioWritten = false
	self.videoBase = av.NoPTS
	self.audioBase = av.NoPTS
	self.state = StateRunning
	self.logger.Infof("recording started: video %dx%d@%d rotation %d, audio %dHz/%dch, kid %s",
		video.Width, video.Height, video.Framerate, video.NormalizedRotation(), audio.SampleRate, audio.ChannelCount, self.keyID)
	return nil
}

func (self *Session) writeHeader(muxer av.Muxer, video VideoDescriptor, acd av.CodecData) (videoIdx, audioIdx int8, err error) {
	if videoIdx, err = muxer.AddStream(video.CodecData(), av.TimeBase90k); err != nil {
		return -1, -1, errors.Wrap(err, "video stream")
	}
	if audioIdx, err = muxer.AddStream(acd, av.TimeBase90k); err != nil {
		return -1, -1, errors.Wrap(err, "audio stream")
	}
	if err = muxer.WriteHeader(); err != nil {
		return -1, -1, err
	}
	return videoIdx, audioIdx, nil
}

// WriteVideoFrame submits one H.264 access unit stamped in microseconds. The
// first key frame sets the video base and is written at zero.
func (self *Session) WriteVideoFrame(data []byte, ptsMicros int64) error {
	if self.state != StateRunning {
		return ErrNotRunning
	}
	key := self.classifier(data)
	pts := ptsMicros
	establish := false
	if self.videoBase != av.NoPTS {
		pts = ptsMicros - self.videoBase
	} else if key {
		pts = 0
		establish = true
	}
	pkt := av.Packet{
		Idx:        self.videoIdx,
		IsKeyFrame: key,
		PTS:        timescale.Rescale(pts, av.Microsecond, av.TimeBase90k),
		DTS:        av.NoPTS,
		Data:       data,
	}
	if err := self.muxer.WritePacket(pkt); err != nil {
		self.logger.Warnf("video frame at %dus: %v", ptsMicros, err)
		return errors.Wrapf(ErrPacketWrite, "video: %v", err)
	}
	if establish {
		self.videoBase = ptsMicros
		self.videoWritten = true
		self.logger.Debugf("video base %dus", ptsMicros)
	}
	return nil
}

// WriteAudioFrame submits one AAC frame stamped in microseconds. Frames are
// dropped until the first video key frame has been written.
func (self *Session) WriteAudioFrame(data []byte, ptsMicros int64) error {
	if self.state != StateRunning {
		return ErrNotRunning
	}
	if !self.videoWritten {
		return nil
	}
	pts := int64(0)
	establish := self.audioBase == av.NoPTS
	if !establish {
		pts = ptsMicros - self.audioBase
	}
	pkt := av.Packet{
		Idx:        self.audioIdx,
		IsKeyFrame: true,
		PTS:        timescale.Rescale(pts, av.Microsecond, av.TimeBase90k),
		DTS:        av.NoPTS,
		Data:       data,
	}
	if err := self.muxer.WritePacket(pkt); err != nil {
		self.logger.Warnf("audio frame at %dus: %v", ptsMicros, err)
		return errors.Wrapf(ErrPacketWrite, "audio: %v", err)
	}
	if establish {
		self.audioBase = ptsMicros
		self.audioWritten = true
		self.logger.Debugf("audio base %dus", ptsMicros)
	}
	return nil
}

// Close finishes the file and releases the descriptor. It does nothing unless
// the session is running.
func (self *Session) Close() error {
	if self.state != StateRunning {
		return nil
	}
	var result error
	if err := self.muxer.WriteTrailer(); err != nil {
		self.logger.Errorf("write trailer: %v", err)
		result = errors.Wrap(err, "session: trailer")
	}
	if err := self.sink.Close(); err != nil {
		self.logger.Errorf("close sink: %v", err)
		if result == nil {
			result = errors.Wrap(err, "session: close")
		}
	}
	self.muxer = nil
	self.sink = nil
	self.state = StateClosed
	self.logger.Info("recording closed")
	return result
}

func (self *Session) State() State {
	return self.state
}

func (self *Session) VideoIndex() int8 {
	return self.videoIdx
}

func (self *Session) AudioIndex() int8 {
	return self.audioIdx
}

// Bases returns the video and audio base timestamps in microseconds, av.NoPTS when unset.
func (self *Session) Bases() (video, audio int64) {
	return self.videoBase, self.audioBase
}

// Written reports whether each track has accepted its first frame.
func (self *Session) Written() (video, audio bool) {
	return self.videoWritten, self.audioWritten
}
