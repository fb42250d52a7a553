// Package clock provides the wrapping microsecond tick counter the stepper
// controllers time their edges and profile recalculations against.
package clock

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultBits matches a 32-bit micros() counter, which wraps roughly every 71 minutes.
const DefaultBits = 32

// Micros reports microseconds since construction, truncated to a fixed
// unsigned width. The counter wraps silently; callers must compare ticks
// with TimeDiff, never by direct subtraction.
type Micros struct {
	clk    clock.Clock
	origin time.Time
	offset uint64
	max    uint64
}

// New wraps clk in a tick counter of the given width. bits must be in 1..64.
func New(clk clock.Clock, bits uint) (*Micros, error) {
	if bits == 0 || bits > 64 {
		return nil, fmt.Errorf("clock width must be 1-64 bits, got %d", bits)
	}
	top := uint64(math.MaxUint64)
	if bits < 64 {
		top = (uint64(1) << bits) - 1
	}
	return &Micros{clk: clk, origin: clk.Now(), max: top}, nil
}

// NewSystem is New over the wall clock with DefaultBits.
func NewSystem() *Micros {
	m, _ := New(clock.New(), DefaultBits)
	return m
}

// WithOffset starts the counter at the given tick instead of zero, which lets
// tests and soak runs begin just before a wrap.
func (m *Micros) WithOffset(ticks uint64) *Micros {
	m.offset = ticks & m.max
	return m
}

// NowMicros returns the current tick.
func (m *Micros) NowMicros() uint64 {
	elapsed := uint64(m.clk.Since(m.origin) / time.Microsecond)
	return (elapsed + m.offset) & m.max
}

// Max returns the largest tick value before the counter wraps to zero.
func (m *Micros) Max() uint64 {
	return m.max
}

// TimeDiff returns the ticks elapsed from previous to current on a counter
// whose largest value is wrap. When current < previous the counter is assumed
// to have wrapped exactly once.
func TimeDiff(current, previous, wrap uint64) uint64 {
	if current >= previous {
		return current - previous
	}
	return current + (wrap - previous)
}
