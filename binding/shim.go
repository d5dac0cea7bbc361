// Package binding exposes a session through the flat, status-code surface a
// foreign caller binds to: integers in, integers out, no error values.
package binding

import (
	"sync"

	"github.com/pion/logging"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/session"
)

const (
	StatusOK    = 0
	StatusError = 1
)

type VideoParams struct {
	Width     int
	Height    int
	Bitrate   int
	Framerate int
	Rotation  int
}

type AudioParams struct {
	Bitrate      int
	SampleRate   int
	ChannelCount int
}

// Shim serializes calls into one session.
type Shim struct {
	mu      sync.Mutex
	session *session.Session
	logger  logging.LeveledLogger
}

type ShimOption func(*Shim)

func WithLoggerFactory(lf logging.LoggerFactory) ShimOption {
	return func(s *Shim) {
		if lf != nil {
			s.logger = lf.NewLogger("binding")
		}
	}
}

func NewShim(s *session.Session, opts ...ShimOption) *Shim {
	self := &Shim{session: s}
	for _, opt := range opts {
		opt(self)
	}
	if self.logger == nil {
		self.logger = logging.NewDefaultLoggerFactory().NewLogger("binding")
	}
	return self
}

func (self *Shim) Init(fd int, video VideoParams, audio AudioParams, key []byte) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	if fd < 0 {
		self.logger.Errorf("init: invalid fd %d", fd)
		return StatusError
	}
	err := self.session.Init(uintptr(fd),
		session.VideoDescriptor{
			Width:     video.Width,
			Height:    video.Height,
			Bitrate:   video.Bitrate,
			Framerate: video.Framerate,
			Rotation:  video.Rotation,
		},
		session.AudioDescriptor{
			Bitrate:      audio.Bitrate,
			SampleRate:   audio.SampleRate,
			ChannelCount: audio.ChannelCount,
		},
		key)
	return self.status("init", err)
}

// WriteVideoFrame submits the first size bytes of data. size is clamped to len(data).
func (self *Shim) WriteVideoFrame(data []byte, size int, pts int64) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.status("video", self.session.WriteVideoFrame(clamp(data, size), pts))
}

func (self *Shim) WriteAudioFrame(data []byte, size int, pts int64) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.status("audio", self.session.WriteAudioFrame(clamp(data, size), pts))
}

// Close finishes the recording. Errors are logged only.
func (self *Shim) Close() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.session.Close(); err != nil {
		self.logger.Errorf("close: %v", err)
	}
}

func (self *Shim) status(op string, err error) int {
	if err == nil {
		return StatusOK
	}
	self.logger.Errorf("%s: %v (%v)", op, errors.Cause(err), err)
	return StatusError
}

func clamp(data []byte, size int) []byte {
	if size < 0 {
		size = 0
	}
	if size > len(data) {
		size = len(data)
	}
	return data[:size]
}
