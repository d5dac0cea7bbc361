package mp4

import (
	"encoding/binary"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/cenc"
)

// writeMoov appends the movie box after the media data of a progressive file.
func (self *Muxer) writeMoov() error {
	moovStart := self.pos
	var buf seekablebuffer.Buffer
	b := newBoxWriter(&buf)

	var duration uint64
	for _, st := range self.streams {
		if d := movieDuration(st.duration, st); d > duration {
			duration = d
		}
	}

	b.start(gomp4.BoxTypeMoov())
	self.writeMovieHeader(b, duration)
	for _, st := range self.streams {
		self.writeTrack(b, st, moovStart, true)
	}
	b.end()
	if b.err != nil {
		return errors.Wrap(b.err, "moov")
	}
	n, err := self.bw.Write(buf.Bytes())
	self.pos += int64(n)
	return err
}

// writeSampleTables writes the sample tables of a progressive track. moovStart
// is the file offset of the buffer b writes into, used for saio.
func (self *Stream) writeSampleTables(b *boxWriter, moovStart int64) {
	stts := &gomp4.Stts{}
	var stss *gomp4.Stss
	if self.isVideo() {
		stss = &gomp4.Stss{}
	}
	stsz := &gomp4.Stsz{SampleCount: uint32(len(self.samples))}
	for i, s := range self.samples {
		if n := len(stts.Entries); n > 0 && stts.Entries[n-1].SampleDelta == s.duration {
			stts.Entries[n-1].SampleCount++
		} else {
			stts.Entries = append(stts.Entries, gomp4.SttsEntry{SampleCount: 1, SampleDelta: s.duration})
		}
		if stss != nil && s.sync {
			stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
		}
		stsz.EntrySize = append(stsz.EntrySize, s.size)
	}
	stts.EntryCount = uint32(len(stts.Entries))
	b.box(stts)
	if stss != nil {
		stss.EntryCount = uint32(len(stss.SampleNumber))
		b.box(stss)
	}

	stsc := &gomp4.Stsc{}
	large := false
	for i, c := range self.chunks {
		if n := len(stsc.Entries); n == 0 || stsc.Entries[n-1].SamplesPerChunk != c.count {
			stsc.Entries = append(stsc.Entries, gomp4.StscEntry{
				FirstChunk:             uint32(i + 1),
				SamplesPerChunk:        c.count,
				SampleDescriptionIndex: 1,
			})
		}
		if c.offset > 0xffffffff {
			large = true
		}
	}
	stsc.EntryCount = uint32(len(stsc.Entries))
	b.box(stsc)

	if uniformSize(stsz.EntrySize) && len(stsz.EntrySize) > 0 {
		stsz.SampleSize = stsz.EntrySize[0]
		stsz.EntrySize = nil
	}
	b.box(stsz)

	if large {
		co64 := &gomp4.Co64{EntryCount: uint32(len(self.chunks))}
		for _, c := range self.chunks {
			co64.ChunkOffset = append(co64.ChunkOffset, uint64(c.offset))
		}
		b.box(co64)
	} else {
		stco := &gomp4.Stco{EntryCount: uint32(len(self.chunks))}
		for _, c := range self.chunks {
			stco.ChunkOffset = append(stco.ChunkOffset, uint32(c.offset))
		}
		b.box(stco)
	}

	if self.encrypted() && len(self.samples) > 0 {
		sencPos := b.offset()
		self.writeSampleEncryption(b, self.samples)
		self.writeAuxInfo(b, self.samples, uint64(moovStart+sencPos+sencAuxOffset))
	}
}

// sencAuxOffset is the distance from the start of senc to its first entry:
// box header, version and flags, then the sample count.
const sencAuxOffset = 8 + 4 + 4

// writeSampleEncryption writes senc with one IV and optional subsample map per sample.
func (self *Stream) writeSampleEncryption(b *boxWriter, samples []sample) {
	subs := self.usesSubsamples()
	var flags uint32
	if subs {
		flags = sencUseSubsamples
	}
	payload := make([]byte, 8, 8+len(samples)*24)
	binary.BigEndian.PutUint32(payload[0:4], flags)
	binary.BigEndian.PutUint32(payload[4:8], uint32(len(samples)))
	for _, s := range samples {
		payload = s.aux.AppendTo(payload, subs)
	}
	b.raw(boxTypeSenc, payload)
}

// writeAuxInfo writes saiz and a single-entry saio pointing at offset.
func (self *Stream) writeAuxInfo(b *boxWriter, samples []sample, offset uint64) {
	subs := self.usesSubsamples()
	saiz := &gomp4.Saiz{SampleCount: uint32(len(samples))}
	sizes := make([]uint8, len(samples))
	for i, s := range samples {
		n := s.aux.Size(subs)
		if n > cenc.MaxAuxInfoSize {
			b.err = errors.Wrapf(cenc.ErrTooManySubsamples, "saiz entry of %d bytes", n)
			return
		}
		sizes[i] = uint8(n)
	}
	if uniformSize8(sizes) {
		saiz.DefaultSampleInfoSize = sizes[0]
	} else {
		saiz.SampleInfoSize = sizes
	}
	b.box(saiz)

	saio := &gomp4.Saio{EntryCount: 1}
	if offset > 0xffffffff {
		saio.SetVersion(1)
		saio.OffsetV1 = []uint64{offset}
	} else {
		saio.OffsetV0 = []uint32{uint32(offset)}
	}
	b.box(saio)
}

func uniformSize(sizes []uint32) bool {
	for _, s := range sizes {
		if s != sizes[0] {
			return false
		}
	}
	return true
}

func uniformSize8(sizes []uint8) bool {
	for _, s := range sizes {
		if s != sizes[0] || s == 0 {
			return false
		}
	}
	return len(sizes) > 0
}
