package mp4

import (
	"io"

	gomp4 "github.com/abema/go-mp4"
)

var boxTypeSenc = gomp4.StrToBoxType("senc")

// boxWriter nests boxes on an io.WriteSeeker and keeps the first error.
type boxWriter struct {
	w   *gomp4.Writer
	err error
}

func newBoxWriter(w io.WriteSeeker) *boxWriter {
	return &boxWriter{w: gomp4.NewWriter(w)}
}

func (self *boxWriter) start(typ gomp4.BoxType) {
	if self.err != nil {
		return
	}
	_, self.err = self.w.StartBox(&gomp4.BoxInfo{Type: typ})
}

func (self *boxWriter) end() {
	if self.err != nil {
		return
	}
	_, self.err = self.w.EndBox()
}

// box writes a complete box with no children.
func (self *boxWriter) box(box gomp4.IImmutableBox) {
	self.open(box)
	self.end()
}

// open starts box and marshals its payload, leaving it open for children.
func (self *boxWriter) open(box gomp4.IImmutableBox) {
	self.start(box.GetType())
	if self.err != nil {
		return
	}
	_, self.err = gomp4.Marshal(self.w, box, gomp4.Context{})
}

// raw writes a box whose payload is already encoded.
func (self *boxWriter) raw(typ gomp4.BoxType, payload []byte) {
	self.start(typ)
	self.write(payload)
	self.end()
}

func (self *boxWriter) write(b []byte) {
	if self.err != nil {
		return
	}
	_, self.err = self.w.Write(b)
}

// offset is the current write position of the underlying writer.
func (self *boxWriter) offset() int64 {
	if self.err != nil {
		return 0
	}
	pos, err := self.w.Seek(0, io.SeekCurrent)
	if err != nil {
		self.err = err
	}
	return pos
}

func fourCC(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

func fullBoxFlags(flags uint32) gomp4.FullBox {
	return gomp4.FullBox{Flags: [3]byte{byte(flags >> 16), byte(flags >> 8), byte(flags)}}
}
