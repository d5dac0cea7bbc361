package timescale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cryptorec/cencmux/av"
)

func TestRescale(t *testing.T) {
	half := av.Rational{Num: 1, Den: 2}
	unit := av.Rational{Num: 1, Den: 1}
	values := []struct {
		V        int64
		From, To av.Rational
		R        int64
	}{
		{0, av.Microsecond, av.TimeBase90k, 0},
		{33000, av.Microsecond, av.TimeBase90k, 2970},
		{1000000, av.Microsecond, av.TimeBase90k, 90000},
		{5, av.Microsecond, av.TimeBase90k, 0},
		{6, av.Microsecond, av.TimeBase90k, 1},
		{-6, av.Microsecond, av.TimeBase90k, -1},
		{-33000, av.Microsecond, av.TimeBase90k, -2970},
		{1, half, unit, 1},
		{3, half, unit, 2},
		{-1, half, unit, -1},
		{-3, half, unit, -2},
		{1000000 * (1 << 32), av.Microsecond, av.TimeBase90k, 90000 * (1 << 32)},
		{1000000*(1<<32) + 16667, av.Microsecond, av.TimeBase90k, 90000*(1<<32) + 1500},
		{1500, av.TimeBase90k, av.Microsecond, 16667},
		{av.NoPTS, av.Microsecond, av.TimeBase90k, av.NoPTS},
	}
	for _, ex := range values {
		assert.Equal(t, ex.R, Rescale(ex.V, ex.From, ex.To), "%d from %s to %s", ex.V, ex.From, ex.To)
	}
}

func TestRescaleNoDrift(t *testing.T) {
	const frame = 33333
	base := int64(1234567)
	for i := int64(0); i < 10000; i++ {
		in := base + i*frame
		got := Rescale(in-base, av.Microsecond, av.TimeBase90k)
		want := (i*frame*9 + 50) / 100
		assert.Equal(t, want, got, "frame %d", i)
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration(90000, 90000))
	assert.Equal(t, 33*time.Millisecond, Duration(2970, 90000))
}

func TestCompare(t *testing.T) {
	values := []struct {
		A      int64
		TA     av.Rational
		B      int64
		TB     av.Rational
		Result int
	}{
		{90000, av.TimeBase90k, 1000000, av.Microsecond, 0},
		{90001, av.TimeBase90k, 1000000, av.Microsecond, 1},
		{89999, av.TimeBase90k, 1000000, av.Microsecond, -1},
		{-1, av.TimeBase90k, 0, av.Microsecond, -1},
		{-2, av.TimeBase90k, -1, av.TimeBase90k, -1},
		{0, av.TimeBase90k, 0, av.Microsecond, 0},
		{1 << 62, av.Microsecond, 1 << 62, av.TimeBase90k, -1},
	}
	for _, ex := range values {
		assert.Equal(t, ex.Result, Compare(ex.A, ex.TA, ex.B, ex.TB), "%d@%s vs %d@%s", ex.A, ex.TA, ex.B, ex.TB)
	}
}
