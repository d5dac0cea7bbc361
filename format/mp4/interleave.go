package mp4

import (
	"github.com/cryptorec/cencmux/av"
	"github.com/cryptorec/cencmux/av/timescale"
)

// queued is a packet waiting in the interleaver with its inferred DTS.
type queued struct {
	pkt      av.Packet
	timeBase av.Rational
}

// interleaver releases packets in DTS order across streams. A packet leaves the
// queue once every stream has something queued, or once the queue spans more
// than maxDelta.
type interleaver struct {
	queue    []queued
	counts   []int
	last     []queued
	maxDelta int64 // microseconds
}

func newInterleaver(streams int, maxDelta int64) *interleaver {
	return &interleaver{
		counts:   make([]int, streams),
		last:     make([]queued, streams),
		maxDelta: maxDelta,
	}
}

func (self *interleaver) less(a, b queued) bool {
	c := timescale.Compare(a.pkt.DTS, a.timeBase, b.pkt.DTS, b.timeBase)
	if c != 0 {
		return c < 0
	}
	return a.pkt.Idx < b.pkt.Idx
}

func (self *interleaver) push(pkt av.Packet, timeBase av.Rational) {
	q := queued{pkt: pkt, timeBase: timeBase}
	i := len(self.queue)
	for i > 0 && self.less(q, self.queue[i-1]) {
		i--
	}
	self.queue = append(self.queue, queued{})
	copy(self.queue[i+1:], self.queue[i:])
	self.queue[i] = q
	self.counts[pkt.Idx]++
	self.last[pkt.Idx] = q
}

func (self *interleaver) ready(flush bool) bool {
	if len(self.queue) == 0 {
		return false
	}
	if flush {
		return true
	}
	waiting := 0
	for _, n := range self.counts {
		if n > 0 {
			waiting++
		}
	}
	if waiting == len(self.counts) {
		return true
	}
	if self.maxDelta <= 0 {
		return false
	}
	head := self.queue[0]
	headUS := timescale.Rescale(head.pkt.DTS, head.timeBase, av.Microsecond)
	for i, n := range self.counts {
		if n == 0 {
			continue
		}
		tail := self.last[i]
		if timescale.Rescale(tail.pkt.DTS, tail.timeBase, av.Microsecond)-headUS > self.maxDelta {
			return true
		}
	}
	return false
}

// pop returns the next packet that may be written.
func (self *interleaver) pop(flush bool) (av.Packet, bool) {
	if !self.ready(flush) {
		return av.Packet{}, false
	}
	q := self.queue[0]
	self.queue[0] = queued{}
	self.queue = self.queue[1:]
	self.counts[q.pkt.Idx]--
	return q.pkt, true
}

func (self *interleaver) len() int {
	return len(self.queue)
}
