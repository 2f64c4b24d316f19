// Package echoel contains the domain types shared by the Echoel audio engine
// and its hosts: the stereo audio buffer, and the interfaces through which
// audio leaves the process.
package echoel

import "io"

type (
	// AudioBuffer is a buffer of stereo audio samples of variable length,
	// each sample represented by [2]float32. The left channel is index 0
	// and the right channel is index 1.
	AudioBuffer [][2]float32

	// AudioSource is something that can fill an AudioBuffer with audio,
	// e.g. the engine or an in-memory clip. ReadAudio returns the number
	// of frames written; it returns io.EOF when the source is exhausted.
	// Real-time implementations must not block in ReadAudio.
	AudioSource interface {
		ReadAudio(buf AudioBuffer) (int, error)
	}

	// AudioSink accepts rendered audio, e.g. a hardware output.
	AudioSink interface {
		WriteAudio(buf AudioBuffer) error
		Close() error
	}

	// AudioContext is a connection to an audio playback device. Play
	// starts pulling audio from the source until the source is exhausted
	// or the returned CloserWaiter is closed.
	AudioContext interface {
		Play(src AudioSource) CloserWaiter
		Close() error
	}

	// CloserWaiter is the handle to an ongoing playback: Close stops it,
	// Wait blocks until it has finished on its own.
	CloserWaiter interface {
		Close() error
		Wait()
	}
)

// Clear zeroes the buffer in place.
func (buf AudioBuffer) Clear() {
	for i := range buf {
		buf[i] = [2]float32{}
	}
}

// Source returns an AudioSource that reads through the buffer once and then
// returns io.EOF.
func (buf AudioBuffer) Source() AudioSource {
	return &bufferSource{buf: buf}
}

type bufferSource struct {
	buf AudioBuffer
	pos int
}

func (s *bufferSource) ReadAudio(buf AudioBuffer) (int, error) {
	n := copy(buf, s.buf[s.pos:])
	s.pos += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
