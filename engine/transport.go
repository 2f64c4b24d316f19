package engine

import "sync/atomic"

// transport is the shared playback clock. Every field is a fixed-size
// atomic so the audio thread advances the playhead and the UI reads or
// repositions it without locks. Tempo and time signature are musical-time
// display values; the sample clock is the single source of truth.
type transport struct {
	playing   atomic.Bool
	recording atomic.Bool
	playhead  atomic.Int64
	loopStart atomic.Int64
	loopEnd   atomic.Int64
	looping   atomic.Bool
	tempo     atomicFloat64
	timeNum   atomic.Int32
	timeDen   atomic.Int32
}

func (t *transport) init() {
	t.tempo.Store(120)
	t.timeNum.Store(4)
	t.timeDen.Store(4)
}

func (e *Engine) Play()         { e.playing.Store(true) }
func (e *Engine) Stop()         { e.playing.Store(false); e.recording.Store(false) }
func (e *Engine) Playing() bool { return e.playing.Load() }

// SetRecording arms the transport for capture; recording only actually
// happens while also playing, into tracks that are record-armed.
func (e *Engine) SetRecording(r bool) { e.recording.Store(r) }
func (e *Engine) Recording() bool     { return e.recording.Load() }

func (e *Engine) Position() int64 { return e.playhead.Load() }

func (e *Engine) SetPosition(frame int64) {
	if frame < 0 {
		frame = 0
	}
	e.playhead.Store(frame)
}

// SetLoopRegion defines the loop in frames; an empty or inverted region
// disables looping regardless of the looping flag.
func (e *Engine) SetLoopRegion(start, end int64) {
	if start < 0 {
		start = 0
	}
	e.loopStart.Store(start)
	e.loopEnd.Store(end)
}

func (e *Engine) LoopRegion() (start, end int64) {
	return e.loopStart.Load(), e.loopEnd.Load()
}

func (e *Engine) SetLooping(l bool) { e.looping.Store(l) }
func (e *Engine) Looping() bool     { return e.looping.Load() }

// SetTempo clamps to 20..999 BPM like any sane DAW transport.
func (e *Engine) SetTempo(bpm float64) {
	e.tempo.Store(clamp64(bpm, 20, 999))
}

func (e *Engine) Tempo() float64 { return e.tempo.Load() }

func (e *Engine) SetTimeSignature(num, den int) {
	if num < 1 || num > 32 {
		return
	}
	switch den {
	case 1, 2, 4, 8, 16:
	default:
		return
	}
	e.timeNum.Store(int32(num))
	e.timeDen.Store(int32(den))
}

func (e *Engine) TimeSignature() (num, den int) {
	return int(e.timeNum.Load()), int(e.timeDen.Load())
}

// advance moves the playhead by n frames, folding overshoot past the loop
// end back into the loop so phase is preserved across the boundary.
func (t *transport) advance(n int64) {
	pos := t.playhead.Load()
	next := pos + n
	if t.looping.Load() {
		start, end := t.loopStart.Load(), t.loopEnd.Load()
		if end > start && pos < end && next >= end {
			next = start + (next - end)
		}
	}
	t.playhead.Store(next)
}
