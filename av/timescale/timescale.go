package timescale

import (
	"math"
	"math/bits"
	"time"

	"github.com/cryptorec/cencmux/av"
)

// Rescale converts v from time base from to time base to, rounding half away from zero.
// The product is computed in 128 bits so large timestamps do not drift.
func Rescale(v int64, from, to av.Rational) int64 {
	if v == av.NoPTS {
		return av.NoPTS
	}
	neg := v < 0
	mag := uint64(v)
	if neg {
		mag = uint64(-v)
	}
	// v * from.Num * to.Den / (from.Den * to.Num)
	mulHi, mulLo := bits.Mul64(uint64(from.Num), uint64(to.Den))
	den := uint64(from.Den) * uint64(to.Num)
	hi, lo := mul128(mag, mulHi, mulLo)
	if hi >= den {
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	q, rem := bits.Div64(hi, lo, den)
	if rem >= den-rem {
		// round up
		q++
	}
	if q > math.MaxInt64 {
		q = math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

// mul128 multiplies a by the 128-bit value bh:bl and keeps the low 128 bits.
func mul128(a, bh, bl uint64) (uint64, uint64) {
	h1, l := bits.Mul64(a, bl)
	_, h2 := bits.Mul64(a, bh)
	return h1 + h2, l
}

// Duration converts ticks in the given timescale back to a time.Duration.
func Duration(ticks int64, scale uint32) time.Duration {
	return time.Duration(Rescale(ticks, av.Rational{Num: 1, Den: int64(scale)}, av.Rational{Num: 1, Den: int64(time.Second)}))
}

// Compare orders a (in time base ta) against b (in time base tb) without rounding.
func Compare(a int64, ta av.Rational, b int64, tb av.Rational) int {
	x := mulSigned(a, ta.Num*tb.Den)
	y := mulSigned(b, tb.Num*ta.Den)
	if x.neg != y.neg {
		if x.neg {
			return -1
		}
		return 1
	}
	c := 0
	switch {
	case x.hi != y.hi:
		c = cmpUint(x.hi, y.hi)
	default:
		c = cmpUint(x.lo, y.lo)
	}
	if x.neg {
		return -c
	}
	return c
}

type int128 struct {
	neg    bool
	hi, lo uint64
}

func mulSigned(a, b int64) int128 {
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(abs64(a), abs64(b))
	if hi == 0 && lo == 0 {
		neg = false
	}
	return int128{neg: neg, hi: hi, lo: lo}
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
