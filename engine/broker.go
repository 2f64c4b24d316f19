package engine

import (
	"sync"
	"time"

	"github.com/echoelmusic/echoel"
)

type (
	// Broker carries messages between the audio thread, the loudness
	// detector and the host's model/UI goroutine. Communication is
	// many-to-one: one buffered channel per recipient. The broker also
	// keeps a sync.Pool of *echoel.AudioBuffer so the audio thread can
	// hand buffers around without allocating.
	//
	// Sends from the audio thread are always non-blocking (TrySend); a
	// full channel drops the message, never the deadline.
	Broker struct {
		ToModel    chan MsgToModel
		ToDetector chan MsgToDetector

		CloseDetector    chan struct{}
		FinishedDetector chan struct{}

		bufferPool sync.Pool
	}

	// MsgToModel is a message from the engine or the detector to the
	// host. The frequently sent fields are inline to avoid boxing; rare
	// payloads (Alert, recorded buffers) travel in Data.
	MsgToModel struct {
		Playhead  int64
		Playing   bool
		Recording bool

		HasDetectorResult bool
		DetectorResult    DetectorResult

		Data any
	}

	// MsgToDetector feeds the loudness/true-peak detector. Data carries a
	// *echoel.AudioBuffer borrowed from the pool (returned by the
	// detector), or a func() executed on the detector goroutine.
	MsgToDetector struct {
		Reset bool
		Data  any

		HasSampleRate   bool
		SampleRate      int
		HasWeighting    bool
		Weighting       WeightingType
		HasOversampling bool
		Oversampling    bool
	}

	// Alert is a fault report from the audio side, e.g. a recording
	// buffer that ran out of capacity. Delivery is best-effort.
	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
	}

	AlertPriority int
)

const (
	Info AlertPriority = iota
	Warning
	Error
)

func NewBroker() *Broker {
	return &Broker{
		ToModel:          make(chan MsgToModel, 1024),
		ToDetector:       make(chan MsgToDetector, 1024),
		CloseDetector:    make(chan struct{}, 1),
		FinishedDetector: make(chan struct{}),
		bufferPool:       sync.Pool{New: func() any { return &echoel.AudioBuffer{} }},
	}
}

// GetAudioBuffer returns an empty buffer from the pool. Return it with
// PutAudioBuffer when done.
func (b *Broker) GetAudioBuffer() *echoel.AudioBuffer {
	return b.bufferPool.Get().(*echoel.AudioBuffer)
}

// PutAudioBuffer resets the buffer's length (keeping capacity) and returns it
// to the pool.
func (b *Broker) PutAudioBuffer(buf *echoel.AudioBuffer) {
	if len(*buf) > 0 {
		*buf = (*buf)[:0]
	}
	b.bufferPool.Put(buf)
}

// TrySend sends v to c if the channel has room. It never blocks; the return
// value tells whether the value was sent.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive receives from c, giving up after t. ok is false on timeout
// or when the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
