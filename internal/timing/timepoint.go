package timing

import (
	"fmt"
	"time"
)

// TimePoint is an exact rational time value (Num/Den seconds). Positions are
// sample-accurate or frame-accurate without floating point drift: an audio
// position of 48000 samples at 48kHz is TimePoint{48000, 48000}, exactly one
// second. The denominator is always positive after normalization; the sign is
// carried by the numerator.
type TimePoint struct {
	Num int64 // Numerator
	Den int32 // Denominator, always > 0 after normalization
}

// Zero is the canonical zero position.
var Zero = TimePoint{Num: 0, Den: 1}

// New creates a normalized TimePoint. A zero denominator is coerced to 1.
func New(num int64, den int32) TimePoint {
	return TimePoint{Num: num, Den: den}.normalize()
}

// FromSeconds creates a TimePoint with microsecond resolution.
func FromSeconds(seconds float64) TimePoint {
	return New(int64(seconds*1e6), 1e6)
}

// FromDuration converts a time.Duration to a microsecond-denominated TimePoint.
func FromDuration(d time.Duration) TimePoint {
	return New(d.Microseconds(), 1e6)
}

// FromMilliseconds creates a TimePoint from a millisecond offset, keeping
// microsecond resolution so sub-millisecond corrections survive the round trip.
func FromMilliseconds(ms float64) TimePoint {
	return New(int64(ms*1000.0), 1e6)
}

func (t TimePoint) normalize() TimePoint {
	if t.Den == 0 {
		t.Den = 1
	}
	if t.Den < 0 {
		t.Num = -t.Num
		t.Den = -t.Den
	}
	if g := gcd64(abs64(t.Num), int64(t.Den)); g > 1 {
		t.Num /= g
		t.Den /= int32(g)
	}
	return t
}

// Seconds returns the floating point representation.
func (t TimePoint) Seconds() float64 {
	if t.Den == 0 {
		return 0
	}
	return float64(t.Num) / float64(t.Den)
}

// Milliseconds returns the position in milliseconds.
func (t TimePoint) Milliseconds() float64 {
	return t.Seconds() * 1000.0
}

// Microseconds returns the position truncated to integer microseconds.
func (t TimePoint) Microseconds() int64 {
	if t.Den == 0 {
		return 0
	}
	return (t.Num * 1e6) / int64(t.Den)
}

// Duration converts to a time.Duration (nanosecond truncation).
func (t TimePoint) Duration() time.Duration {
	if t.Den == 0 {
		return 0
	}
	return time.Duration((t.Num * int64(time.Second)) / int64(t.Den))
}

// Add returns t + o over the cross-multiplied common denominator, reduced by
// the gcd so repeated additions do not overflow the numerator.
func (t TimePoint) Add(o TimePoint) TimePoint {
	t = t.normalize()
	o = o.normalize()
	if t.Den == o.Den {
		return TimePoint{Num: t.Num + o.Num, Den: t.Den}.normalize()
	}
	num := t.Num*int64(o.Den) + o.Num*int64(t.Den)
	den := int64(t.Den) * int64(o.Den)
	return reduce(num, den)
}

// Sub returns t - o.
func (t TimePoint) Sub(o TimePoint) TimePoint {
	return t.Add(TimePoint{Num: -o.Num, Den: o.Den})
}

// Cmp compares two positions by cross multiplication: -1 if t < o, 0 if equal,
// +1 if t > o. Exact, no float conversion.
func (t TimePoint) Cmp(o TimePoint) int {
	t = t.normalize()
	o = o.normalize()
	lhs := t.Num * int64(o.Den)
	rhs := o.Num * int64(t.Den)
	switch {
	case lhs < rhs:
		return -1
	case lhs > rhs:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two positions represent the same instant.
func (t TimePoint) Equal(o TimePoint) bool {
	return t.Cmp(o) == 0
}

// IsZero reports whether the position is exactly zero.
func (t TimePoint) IsZero() bool {
	return t.Num == 0
}

func (t TimePoint) String() string {
	return fmt.Sprintf("%d/%d", t.Num, t.Den)
}

// reduce builds a normalized TimePoint from a 64-bit num/den pair, folding the
// denominator back into int32 range. Denominators stay small in practice
// (sample rates and 1e6), so the gcd reduction is sufficient; if a pathological
// denominator still exceeds int32 the value degrades to microsecond resolution.
func reduce(num, den int64) TimePoint {
	if den == 0 {
		den = 1
	}
	if den < 0 {
		num = -num
		den = -den
	}
	if g := gcd64(abs64(num), den); g > 1 {
		num /= g
		den /= g
	}
	if den > int64(int32MaxDen) {
		sec := float64(num) / float64(den)
		return TimePoint{Num: int64(sec * 1e6), Den: 1e6}
	}
	return TimePoint{Num: num, Den: int32(den)}
}

const int32MaxDen = int32(1<<31 - 1)

func gcd64(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Common timebases.
var (
	TimeBase48kHz = int32(48000)
	TimeBase44kHz = int32(44100)
	TimeBase96kHz = int32(96000)
)
