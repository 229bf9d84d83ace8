package variable

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Counter32 is a 32-bit signed counter. Increments wrap on overflow.
type Counter32 struct {
	opCounter
	mu    sync.Mutex
	value int32
}

// NewCounter32 returns a counter starting at zero.
func NewCounter32() *Counter32 {
	return &Counter32{}
}

func (c *Counter32) Kind() Kind { return KindCounter32 }

// Increment adds delta and returns the new value.
func (c *Counter32) Increment(delta int32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	c.write()
	return c.value
}

// Store overwrites the value.
func (c *Counter32) Store(v int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.write()
}

// Load returns the current value.
func (c *Counter32) Load() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read()
	return c.value
}

// FloatAccumulator is a float64 sum. Additions apply in arrival order.
type FloatAccumulator struct {
	opCounter
	mu    sync.Mutex
	value float64
}

// NewFloatAccumulator returns an accumulator starting at zero.
func NewFloatAccumulator() *FloatAccumulator {
	return &FloatAccumulator{}
}

func (a *FloatAccumulator) Kind() Kind { return KindFloat }

// Add adds delta and returns the new value. A sum that is not finite is
// rejected with ErrOutOfRange and leaves the value unchanged.
func (a *FloatAccumulator) Add(delta float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.value + delta
	if !finite(v) {
		return a.value, errors.Wrapf(ErrOutOfRange, "%g + %g", a.value, delta)
	}
	a.value = v
	a.write()
	return v, nil
}

// Store overwrites the value. Non-finite values are rejected.
func (a *FloatAccumulator) Store(v float64) error {
	if !finite(v) {
		return errors.Wrapf(ErrOutOfRange, "store %g", v)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
	a.write()
	return nil
}

// Load returns the current value.
func (a *FloatAccumulator) Load() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.read()
	return a.value
}

func finite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}
