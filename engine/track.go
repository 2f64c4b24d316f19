package engine

import (
	"sync/atomic"

	"github.com/echoelmusic/echoel"
	"github.com/echoelmusic/echoel/midi"
)

type TrackKind int

const (
	AudioTrack TrackKind = iota
	MIDITrack
)

func (k TrackKind) String() string {
	if k == MIDITrack {
		return "midi"
	}
	return "audio"
}

func trackKindFromString(s string) TrackKind {
	if s == "midi" {
		return MIDITrack
	}
	return AudioTrack
}

// Track is one channel strip: the mixing state of a single audio or MIDI
// track plus its payload. All mixing parameters are atomics (UI writes,
// audio thread reads); the payloads are swapped whole behind atomic
// pointers. The audio-thread methods never allocate, lock or panic.
type Track struct {
	kind TrackKind
	name string // display only, UI goroutine only

	volume atomicFloat32
	pan    atomicFloat32
	gains  atomicGainPair // left/right, recomputed on SetPan
	muted  atomic.Bool
	soloed atomic.Bool
	armed  atomic.Bool

	clip   atomic.Pointer[echoel.AudioBuffer] // audio payload, anchored at transport frame 0
	events atomic.Pointer[midi.Sequence]      // MIDI payload, consumed externally

	rec     echoel.AudioBuffer // fixed capacity, allocated in prepare
	recLen  atomic.Int64
	recLost atomic.Bool // capacity exceeded during the current take
}

func newTrack(kind TrackKind, name string) *Track {
	t := &Track{kind: kind, name: name}
	t.volume.Store(1)
	t.SetPan(0)
	return t
}

// prepare sizes the recording buffer. Not real-time safe; the engine calls
// it from Prepare and from AddAudioTrack on the UI goroutine.
func (t *Track) prepare(sampleRate, maxRecordSeconds int) {
	if t.kind != AudioTrack {
		return
	}
	frames := sampleRate * maxRecordSeconds
	if len(t.rec) != frames {
		t.rec = make(echoel.AudioBuffer, frames)
	}
	t.recLen.Store(0)
	t.recLost.Store(false)
}

func (t *Track) Kind() TrackKind { return t.kind }
func (t *Track) Name() string    { return t.name }

func (t *Track) SetVolume(v float32) {
	if v < 0 {
		v = 0
	}
	t.volume.Store(v)
}
func (t *Track) Volume() float32 { return t.volume.Load() }

// SetPan stores the pan position and the equal-power gain pair derived from
// it, so the audio thread never computes trigonometry per block.
func (t *Track) SetPan(p float32) {
	p = clamp32(p, -1, 1)
	t.pan.Store(p)
	t.gains.Store(panGains(p))
}
func (t *Track) Pan() float32 { return t.pan.Load() }

// PanGains returns the cached equal-power left/right gains.
func (t *Track) PanGains() (left, right float32) { return t.gains.Load() }

func (t *Track) SetMuted(m bool)  { t.muted.Store(m) }
func (t *Track) Muted() bool      { return t.muted.Load() }
func (t *Track) SetSoloed(s bool) { t.soloed.Store(s) }
func (t *Track) Soloed() bool     { return t.soloed.Load() }
func (t *Track) SetArmed(a bool)  { t.armed.Store(a) }
func (t *Track) Armed() bool      { return t.armed.Load() }

// SetClip swaps the playback buffer. The old clip stays valid for any
// callback already reading it; the new one is picked up by the next block.
func (t *Track) SetClip(clip echoel.AudioBuffer) {
	if clip == nil {
		t.clip.Store(nil)
		return
	}
	t.clip.Store(&clip)
}

func (t *Track) Clip() echoel.AudioBuffer {
	if c := t.clip.Load(); c != nil {
		return *c
	}
	return nil
}

// SetEvents swaps the MIDI payload.
func (t *Track) SetEvents(s midi.Sequence) {
	if s == nil {
		t.events.Store(nil)
		return
	}
	t.events.Store(&s)
}

func (t *Track) Events() midi.Sequence {
	if s := t.events.Load(); s != nil {
		return *s
	}
	return nil
}

// Process adds the track's faded contribution for the block starting at
// transport frame pos into out: clip samples scaled by volume and the cached
// pan gains. Muted tracks contribute exactly nothing. Real-time safe.
//
// Inside the engine the fader is applied later by the routing manager (the
// pre-fader send tap needs the unscaled signal); Process is the standalone
// single-track contract.
func (t *Track) Process(out echoel.AudioBuffer, pos int64) {
	if t.muted.Load() {
		return
	}
	vol := t.volume.Load()
	left, right := t.gains.Load()
	t.addClip(out, pos, vol*left, vol*right)
}

// renderRaw adds the track's unscaled signal into out; the routing manager
// applies volume and pan downstream.
func (t *Track) renderRaw(out echoel.AudioBuffer, pos int64) {
	t.addClip(out, pos, 1, 1)
}

func (t *Track) addClip(out echoel.AudioBuffer, pos int64, lg, rg float32) {
	c := t.clip.Load()
	if c == nil || pos < 0 || pos >= int64(len(*c)) {
		return
	}
	clip := (*c)[pos:]
	n := min(len(out), len(clip))
	for i := 0; i < n; i++ {
		out[i][0] += clip[i][0] * lg
		out[i][1] += clip[i][1] * rg
	}
}

// record appends input frames to the recording buffer. Past capacity it
// silently truncates; the return value reports whether anything was lost so
// the engine can raise a (non-blocking) alert once per take.
func (t *Track) record(in echoel.AudioBuffer) (lost bool) {
	w := t.recLen.Load()
	m := int64(len(t.rec)) - w
	if m > int64(len(in)) {
		m = int64(len(in))
	}
	if m > 0 {
		copy(t.rec[w:w+m], in[:m])
		t.recLen.Store(w + m)
	}
	if m < int64(len(in)) {
		return t.recLost.CompareAndSwap(false, true)
	}
	return false
}

// Recorded returns the captured audio. Only valid once recording has
// stopped (the stop is an atomic flag observed by the next callback, after
// which the audio thread no longer writes).
func (t *Track) Recorded() echoel.AudioBuffer {
	return t.rec[:t.recLen.Load()]
}

// ResetRecording discards the current take. UI goroutine, recording stopped.
func (t *Track) ResetRecording() {
	t.recLen.Store(0)
	t.recLost.Store(false)
}
