package engine

import (
	"math"
	"sync/atomic"

	"github.com/chewxy/math32"
)

// The per-block mixing parameters are written by the UI goroutine and read by
// the audio thread, so every one of them is stored as a fixed-size atomic.
// The audio thread never takes a lock.

type atomicFloat32 struct{ bits atomic.Uint32 }

func (a *atomicFloat32) Store(v float32) { a.bits.Store(math.Float32bits(v)) }
func (a *atomicFloat32) Load() float32   { return math.Float32frombits(a.bits.Load()) }

type atomicFloat64 struct{ bits atomic.Uint64 }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat64) Load() float64   { return math.Float64frombits(a.bits.Load()) }

// atomicGainPair packs the cached left/right pan gains into one word so the
// audio thread always observes a coherent pair.
type atomicGainPair struct{ bits atomic.Uint64 }

func (a *atomicGainPair) Store(left, right float32) {
	a.bits.Store(uint64(math.Float32bits(left))<<32 | uint64(math.Float32bits(right)))
}

func (a *atomicGainPair) Load() (left, right float32) {
	v := a.bits.Load()
	return math.Float32frombits(uint32(v >> 32)), math.Float32frombits(uint32(v))
}

// panGains converts a pan position in [-1,1] to equal-power left/right gains:
// left = cos((pan+1)·π/4), right = sin((pan+1)·π/4), so left²+right² = 1 for
// any position and both gains are 1/√2 at centre.
func panGains(pan float32) (left, right float32) {
	x := (pan + 1) * math32.Pi / 4
	return math32.Cos(x), math32.Sin(x)
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
