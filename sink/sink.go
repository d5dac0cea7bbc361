// Package sink adapts a file descriptor into the buffered, seekable byte
// destination the container writer reads from, writes to and seeks on.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
	"github.com/pkg/errors"
)

// BufferSize is the size of the internal transfer buffer.
const BufferSize = 32768

// SeekSize is the "report total size" pseudo-whence. It is always rejected.
const SeekSize = 0x10000

// DefaultMode opens the descriptor for reading and writing.
const DefaultMode = "rw+b"

var (
	ErrClosed            = errors.New("sink: not open")
	ErrBind              = errors.New("sink: cannot bind resource")
	ErrUnsupportedWhence = errors.New("sink: unsupported whence")
	ErrNotReadable       = errors.New("sink: opened write-only")
	ErrNotWritable       = errors.New("sink: opened read-only")
)

// Mode is a parsed fdopen-style access mode.
type Mode struct {
	Read  bool
	Write bool
}

// ParseMode accepts the fdopen mode letters. The first letter picks the base
// access and '+' adds the other direction.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Mode{}, errors.New("sink: empty mode")
	}
	var m Mode
	switch s[0] {
	case 'r':
		m.Read = true
	case 'w', 'a':
		m.Write = true
	default:
		return Mode{}, errors.Errorf("sink: invalid mode %q", s)
	}
	for _, c := range s[1:] {
		switch c {
		case '+':
			m.Read, m.Write = true, true
		case 'r', 'w', 'a', 'b', 'x', 'e':
		default:
			return Mode{}, errors.Errorf("sink: invalid mode %q", s)
		}
	}
	return m, nil
}

func (self Mode) String() string {
	var b strings.Builder
	if self.Read {
		b.WriteByte('r')
	}
	if self.Write {
		b.WriteByte('w')
	}
	return b.String()
}

// Sink owns one file descriptor for its whole lifetime. It is not safe for concurrent use.
type Sink struct {
	f      *os.File
	w      *bufio.Writer
	mode   Mode
	pos    int64
	open   bool
	logger logging.LeveledLogger
}

func New(lf logging.LoggerFactory) *Sink {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Sink{logger: lf.NewLogger("sink")}
}

// Open binds fd under mode. A sink can be opened once. Once the mode parses,
// the sink owns fd: a failed bind closes it.
func (self *Sink) Open(fd uintptr, mode string) error {
	if self.open || self.f != nil {
		return errors.Wrap(ErrBind, "already bound")
	}
	m, err := ParseMode(mode)
	if err != nil {
		return errors.Wrap(ErrBind, err.Error())
	}
	f := os.NewFile(fd, fmt.Sprintf("fd:%d", fd))
	if f == nil {
		return errors.Wrapf(ErrBind, "invalid fd %d", fd)
	}
	if _, err = f.Stat(); err != nil {
		f.Close()
		return errors.Wrapf(ErrBind, "fd %d: %v", fd, err)
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return errors.Wrapf(ErrBind, "fd %d not seekable: %v", fd, err)
	}
	self.f = f
	self.w = bufio.NewWriterSize(f, BufferSize)
	self.mode = m
	self.pos = pos
	self.open = true
	self.logger.Debugf("bound fd %d mode %s at offset %d", fd, m, pos)
	return nil
}

func (self *Sink) IsOpen() bool {
	return self.open
}

// Position is the logical offset, buffered bytes included.
func (self *Sink) Position() int64 {
	return self.pos
}

func (self *Sink) Read(p []byte) (int, error) {
	if !self.open {
		return 0, ErrClosed
	}
	if !self.mode.Read {
		return 0, ErrNotReadable
	}
	if err := self.w.Flush(); err != nil {
		return 0, errors.Wrap(err, "sink: flush")
	}
	n, err := self.f.Read(p)
	self.pos += int64(n)
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, errors.Wrap(err, "sink: read")
	}
	return n, nil
}

func (self *Sink) Write(p []byte) (int, error) {
	if !self.open {
		return 0, ErrClosed
	}
	if !self.mode.Write {
		return 0, ErrNotWritable
	}
	n, err := self.w.Write(p)
	self.pos += int64(n)
	if err != nil {
		return n, errors.Wrap(err, "sink: write")
	}
	return n, nil
}

// Seek supports io.SeekStart, io.SeekCurrent and io.SeekEnd. SeekSize and any
// other whence fail without moving the position.
func (self *Sink) Seek(offset int64, whence int) (int64, error) {
	if !self.open {
		return 0, ErrClosed
	}
	switch whence {
	case io.SeekStart, io.SeekCurrent, io.SeekEnd:
	default:
		return 0, errors.Wrapf(ErrUnsupportedWhence, "whence %#x", whence)
	}
	if err := self.w.Flush(); err != nil {
		return 0, errors.Wrap(err, "sink: flush")
	}
	pos, err := self.f.Seek(offset, whence)
	if err != nil {
		return 0, errors.Wrap(err, "sink: seek")
	}
	self.pos = pos
	return pos, nil
}

// Flush pushes buffered bytes to the descriptor.
func (self *Sink) Flush() error {
	if !self.open {
		return ErrClosed
	}
	return errors.Wrap(self.w.Flush(), "sink: flush")
}

// Close flushes and releases the descriptor. Calling it again is a no-op.
func (self *Sink) Close() error {
	if !self.open {
		return nil
	}
	self.open = false
	ferr := self.w.Flush()
	cerr := self.f.Close()
	self.w = nil
	self.logger.Debugf("closed %s at offset %d", self.f.Name(), self.pos)
	if ferr != nil {
		return errors.Wrap(ferr, "sink: flush")
	}
	if cerr != nil {
		return errors.Wrap(cerr, "sink: close")
	}
	return nil
}
