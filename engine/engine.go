package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/echoelmusic/echoel"
)

var (
	ErrNotPrepared   = errors.New("engine not prepared")
	ErrBlockTooLarge = errors.New("block exceeds configured block size")
)

// Engine glues the pieces together: the track list, the routing graph, the
// transport and the broker. The audio callback is Process; everything else
// is UI-goroutine API. The track list is an immutable slice behind an
// atomic pointer, so the callback iterates a consistent snapshot while the
// UI adds and removes tracks.
type Engine struct {
	broker  *Broker
	routing *RoutingManager

	transport

	mu     sync.Mutex // track list mutation
	tracks atomic.Pointer[[]*Track]

	config   Config
	prepared atomic.Bool

	detector atomic.Pointer[Detector]

	scratch echoel.AudioBuffer // per-track render buffer, audio thread only
}

func NewEngine(broker *Broker) *Engine {
	e := &Engine{
		broker:  broker,
		routing: NewRoutingManager(),
	}
	e.transport.init()
	e.tracks.Store(&[]*Track{})
	return e
}

func (e *Engine) Broker() *Broker          { return e.broker }
func (e *Engine) Routing() *RoutingManager { return e.routing }
func (e *Engine) Config() Config           { return e.config }

// AttachDetector makes the detector's measurements available through
// MasterLoudness. The engine feeds the detector through the broker either
// way; attaching is only needed for the polling getter.
func (e *Engine) AttachDetector(d *Detector) { e.detector.Store(d) }

// MasterPeakLevel returns the master bus peak of the last block for channel
// 0 or 1, linear. Safe to poll from any goroutine.
func (e *Engine) MasterPeakLevel(channel int) float32 {
	return e.routing.master.PeakLevel(channel)
}

// MasterRMSLevel returns the master bus RMS of the last block, linear.
func (e *Engine) MasterRMSLevel(channel int) float32 {
	return e.routing.master.RMSLevel(channel)
}

// MasterLoudness returns the latest loudness measurement of the requested
// type in LUFS, or false when no detector is attached or it has not
// measured anything yet.
func (e *Engine) MasterLoudness(typ LoudnessType) (Decibel, bool) {
	d := e.detector.Load()
	if d == nil || typ < 0 || typ >= NumLoudnessTypes {
		return 0, false
	}
	r := d.Result()
	if r == nil {
		return 0, false
	}
	return r.Loudness[typ], true
}

// Prepare validates the configuration and allocates everything the audio
// path will touch. Call before the first Process and again after changing
// the configuration; not real-time safe.
func (e *Engine) Prepare(config Config) error {
	if err := config.validate(); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	e.mu.Lock()
	e.config = config
	e.scratch = make(echoel.AudioBuffer, config.BlockSize)
	for _, t := range *e.tracks.Load() {
		t.prepare(config.SampleRate, config.MaxRecordSeconds)
	}
	e.mu.Unlock()
	e.routing.Prepare(config.SampleRate, config.BlockSize)
	e.prepared.Store(true)
	TrySend(e.broker.ToDetector, MsgToDetector{Reset: true, HasSampleRate: true, SampleRate: config.SampleRate})
	return nil
}

func (e *Engine) addTrack(t *Track) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := *e.tracks.Load()
	if len(old) >= MaxTracks {
		return -1
	}
	if e.prepared.Load() {
		t.prepare(e.config.SampleRate, e.config.MaxRecordSeconds)
	}
	list := make([]*Track, len(old)+1)
	copy(list, old)
	list[len(old)] = t
	e.tracks.Store(&list)
	return len(list) - 1
}

// AddAudioTrack appends an audio track and returns its index, or -1 when
// the track limit is reached. New tracks route to master at unity gain,
// centre pan.
func (e *Engine) AddAudioTrack(name string) int {
	return e.addTrack(newTrack(AudioTrack, name))
}

// AddMIDITrack appends a MIDI track and returns its index, or -1 when the
// track limit is reached.
func (e *Engine) AddMIDITrack(name string) int {
	return e.addTrack(newTrack(MIDITrack, name))
}

// RemoveTrack deletes the track at index; later tracks shift down and their
// routing entries are reindexed to match.
func (e *Engine) RemoveTrack(index int) {
	e.mu.Lock()
	old := *e.tracks.Load()
	if index < 0 || index >= len(old) {
		e.mu.Unlock()
		return
	}
	list := make([]*Track, 0, len(old)-1)
	list = append(list, old[:index]...)
	list = append(list, old[index+1:]...)
	e.tracks.Store(&list)
	e.mu.Unlock()
	e.routing.RemoveTrackRoute(index)
}

func (e *Engine) NumTracks() int { return len(*e.tracks.Load()) }

func (e *Engine) Track(index int) *Track {
	list := *e.tracks.Load()
	if index < 0 || index >= len(list) {
		return nil
	}
	return list[index]
}

// Tracks returns the current track list snapshot; treat it as read-only.
func (e *Engine) Tracks() []*Track { return *e.tracks.Load() }

// Process is the audio callback entry point: it fills out with the master
// mix for len(out) frames, recording from in (same length, may be nil)
// while the transport is recording. Device blocks larger than the
// configured block size are processed in chunks, so the device period does
// not constrain the configuration. Never blocks, locks or allocates.
func (e *Engine) Process(out, in echoel.AudioBuffer) error {
	if !e.prepared.Load() {
		out.Clear()
		return ErrNotPrepared
	}
	blockSize := e.config.BlockSize
	for ofs := 0; ofs < len(out); ofs += blockSize {
		n := len(out) - ofs
		if n > blockSize {
			n = blockSize
		}
		var inChunk echoel.AudioBuffer
		if in != nil && len(in) >= ofs+n {
			inChunk = in[ofs : ofs+n]
		}
		e.processBlock(out[ofs:ofs+n], inChunk)
	}
	return nil
}

// ProcessBlock renders exactly one block for hosts that chunk themselves.
// len(out) must not exceed the configured block size.
func (e *Engine) ProcessBlock(out, in echoel.AudioBuffer) error {
	if !e.prepared.Load() {
		out.Clear()
		return ErrNotPrepared
	}
	if len(out) > e.config.BlockSize {
		out.Clear()
		return ErrBlockTooLarge
	}
	e.processBlock(out, in)
	return nil
}

func (e *Engine) processBlock(out, in echoel.AudioBuffer) {
	n := len(out)
	if n == 0 {
		return
	}
	tracks := *e.tracks.Load()
	playing := e.playing.Load()
	recording := playing && e.recording.Load()
	pos := e.playhead.Load()

	anySolo := false
	for _, t := range tracks {
		if t.Soloed() {
			anySolo = true
			break
		}
	}

	e.routing.BeginBlock(n)
	scratch := e.scratch[:n]
	for i, t := range tracks {
		scratch.Clear()
		audible := !t.Muted() && (!anySolo || t.Soloed())
		if playing && audible {
			t.renderRaw(scratch, pos)
		}
		if recording && t.Armed() && t.Kind() == AudioTrack && in != nil {
			if t.record(in) {
				TrySend(e.broker.ToModel, MsgToModel{Data: Alert{
					Name:     "RecordOverflow",
					Message:  "recording buffer full, take truncated",
					Priority: Error,
				}})
			}
		}
		vol, pan := float32(0), t.Pan()
		if audible {
			vol = t.Volume()
		}
		e.routing.RouteTrackAudio(i, scratch, n, vol, pan)
	}
	e.routing.EndBlock(n)

	copy(out, e.routing.master.Buffer()[:n])

	if playing {
		e.advance(int64(n))
	}

	chunk := e.broker.GetAudioBuffer()
	*chunk = append(*chunk, out...)
	if !TrySend(e.broker.ToDetector, MsgToDetector{Data: chunk}) {
		e.broker.PutAudioBuffer(chunk)
	}
	TrySend(e.broker.ToModel, MsgToModel{
		Playhead:  e.playhead.Load(),
		Playing:   playing,
		Recording: recording,
	})
}

// ReadAudio implements echoel.AudioSource so an output context can drive
// the engine directly. It never returns an error or a short count; an
// engine with no tracks plays silence.
func (e *Engine) ReadAudio(buf echoel.AudioBuffer) (int, error) {
	if err := e.Process(buf, nil); err != nil {
		buf.Clear()
	}
	return len(buf), nil
}

// State captures the whole engine as a plain value tree. The host decides
// how to persist it; yaml tags define the canonical shape. UI goroutine
// only.
func (e *Engine) State() State {
	s := State{
		Config: e.config,
		Transport: TransportState{
			Position:  e.playhead.Load(),
			LoopStart: e.loopStart.Load(),
			LoopEnd:   e.loopEnd.Load(),
			Looping:   e.looping.Load(),
			Tempo:     e.tempo.Load(),
		},
		Routing: e.routing.State(),
	}
	s.Transport.TimeSigNum, s.Transport.TimeSigDen = e.TimeSignature()
	for _, t := range *e.tracks.Load() {
		s.Tracks = append(s.Tracks, TrackState{
			Kind:   t.Kind().String(),
			Name:   t.Name(),
			Volume: t.Volume(),
			Pan:    t.Pan(),
			Muted:  t.Muted(),
			Soloed: t.Soloed(),
			Armed:  t.Armed(),
		})
	}
	return s
}

// RestoreState rebuilds the engine from a captured tree: configuration,
// transport, tracks and routing, in that order. The transport is stopped
// first so no callback observes a half-restored session.
func (e *Engine) RestoreState(s State) error {
	e.Stop()
	if err := e.Prepare(s.Config); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	e.mu.Lock()
	list := make([]*Track, 0, len(s.Tracks))
	for _, ts := range s.Tracks {
		t := newTrack(trackKindFromString(ts.Kind), ts.Name)
		t.SetVolume(ts.Volume)
		t.SetPan(ts.Pan)
		t.SetMuted(ts.Muted)
		t.SetSoloed(ts.Soloed)
		t.SetArmed(ts.Armed)
		t.prepare(s.Config.SampleRate, s.Config.MaxRecordSeconds)
		list = append(list, t)
	}
	e.tracks.Store(&list)
	e.mu.Unlock()
	e.routing.RestoreState(s.Routing)
	e.SetPosition(s.Transport.Position)
	e.SetLoopRegion(s.Transport.LoopStart, s.Transport.LoopEnd)
	e.SetLooping(s.Transport.Looping)
	e.SetTempo(s.Transport.Tempo)
	e.SetTimeSignature(s.Transport.TimeSigNum, s.Transport.TimeSigDen)
	return nil
}
