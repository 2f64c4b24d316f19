package engine

import (
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/echoelmusic/echoel"
	"github.com/viterin/vek/vek32"
)

type BusType int

const (
	BusMaster BusType = iota
	BusGroup
	BusSend
	BusCue
)

func (t BusType) String() string {
	switch t {
	case BusMaster:
		return "master"
	case BusGroup:
		return "group"
	case BusSend:
		return "send"
	case BusCue:
		return "cue"
	}
	return "unknown"
}

// ChannelFormat describes the declared width of a bus. The accumulator is
// always a stereo frame buffer (echoel.AudioBuffer); a mono bus simply
// carries the same signal in both slots. The format is kept as routing
// metadata and round-trips through the state tree.
type ChannelFormat int

const (
	Stereo ChannelFormat = iota
	Mono
)

func (f ChannelFormat) NumChannels() int {
	if f == Mono {
		return 1
	}
	return 2
}

// Bus is an accumulation point: a send return, a group/submix, the cue mix
// or the master. Signal is added with addFrom between beginBlock and
// endBlock, exactly once per block each; the level atomics are safe to poll
// from any goroutine at any rate.
type Bus struct {
	typ    BusType
	name   string
	format ChannelFormat

	buf     echoel.AudioBuffer
	scratch []float32 // metering deinterleave, audio thread only
	squares []float32 // squared scratch, audio thread only
	inBlock bool      // audio thread only; addFrom outside a block is a no-op

	volume  atomicFloat32
	pan     atomicFloat32
	muted   atomic.Bool
	latency atomic.Int32

	peak [2]atomicFloat32
	rms  [2]atomicFloat32
}

func newBus(typ BusType, name string, format ChannelFormat) *Bus {
	b := &Bus{typ: typ, name: name, format: format}
	b.volume.Store(1)
	return b
}

// prepare allocates the accumulation buffer. Not real-time safe.
func (b *Bus) prepare(maxBlock int) {
	b.buf = make(echoel.AudioBuffer, maxBlock)
	b.scratch = make([]float32, maxBlock)
	b.squares = make([]float32, maxBlock)
}

func (b *Bus) Type() BusType         { return b.typ }
func (b *Bus) Name() string          { return b.name }
func (b *Bus) Format() ChannelFormat { return b.format }

func (b *Bus) SetVolume(v float32) { b.volume.Store(clamp32(v, 0, 2)) }
func (b *Bus) Volume() float32     { return b.volume.Load() }
func (b *Bus) SetPan(p float32)    { b.pan.Store(clamp32(p, -1, 1)) }
func (b *Bus) Pan() float32        { return b.pan.Load() }
func (b *Bus) SetMuted(m bool)     { b.muted.Store(m) }
func (b *Bus) Muted() bool         { return b.muted.Load() }

// SetLatencySamples declares the static latency of whatever processing the
// host hangs off this bus. It is not measured; delay compensation must be
// recalculated after changing it.
func (b *Bus) SetLatencySamples(samples int) { b.latency.Store(int32(samples)) }
func (b *Bus) LatencySamples() int           { return int(b.latency.Load()) }

// beginBlock clears the accumulator for the next block.
func (b *Bus) beginBlock(n int) {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	b.buf[:n].Clear()
	b.inBlock = true
}

// addFrom accumulates src scaled by gain with equal-power pan weighting.
// Calling it outside a beginBlock..endBlock window is a caller error; it
// degrades to a no-op rather than corrupting the previous block.
func (b *Bus) addFrom(src echoel.AudioBuffer, n int, gain, pan float32) {
	if !b.inBlock || n > len(b.buf) {
		return
	}
	if n > len(src) {
		n = len(src)
	}
	left, right := panGains(pan)
	lg, rg := gain*left, gain*right
	for i := 0; i < n; i++ {
		b.buf[i][0] += src[i][0] * lg
		b.buf[i][1] += src[i][1] * rg
	}
}

// endBlock computes peak and RMS over the accumulated block and closes the
// accumulation window.
func (b *Bus) endBlock(n int) {
	if n > len(b.buf) {
		n = len(b.buf)
	}
	for ch := 0; ch < 2; ch++ {
		for i := 0; i < n; i++ {
			b.scratch[i] = b.buf[i][ch]
		}
		s := b.scratch[:n]
		vek32.Abs_Inplace(s)
		peak := float32(0)
		if n > 0 {
			peak = vek32.Max(s)
		}
		rms := float32(0)
		if n > 0 {
			// vek32 in-place ops reject overlapping operands, so the
			// squares go to a separate scratch.
			sq := b.squares[:n]
			vek32.Mul_Into(sq, s, s)
			rms = math32.Sqrt(vek32.Mean(sq))
		}
		b.peak[ch].Store(peak)
		b.rms[ch].Store(rms)
	}
	b.inBlock = false
}

// Buffer exposes the accumulated block for downstream summing. Read-only;
// valid only during the current callback.
func (b *Bus) Buffer() echoel.AudioBuffer { return b.buf }

// PeakLevel returns the last block's peak for channel 0 or 1, linear.
func (b *Bus) PeakLevel(channel int) float32 {
	if channel < 0 || channel > 1 {
		return 0
	}
	return b.peak[channel].Load()
}

// RMSLevel returns the last block's RMS for channel 0 or 1, linear.
func (b *Bus) RMSLevel(channel int) float32 {
	if channel < 0 || channel > 1 {
		return 0
	}
	return b.rms[channel].Load()
}
