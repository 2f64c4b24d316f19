// Package oto adapts the engine's audio sources to a real output device
// through github.com/ebitengine/oto/v3.
package oto

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/echoelmusic/echoel"
)

type (
	Context struct {
		context    *oto.Context
		sampleRate int
	}

	playback struct {
		player *oto.Player
	}

	// audioReader converts AudioBuffer frames into the float32 LE byte
	// stream oto consumes, reusing its scratch between reads.
	audioReader struct {
		source  echoel.AudioSource
		scratch echoel.AudioBuffer
		err     error
	}
)

// NewContext opens the default audio device for float32 LE stereo output at
// the given sample rate. The returned context is ready when the call
// returns; opening takes up to a second on some platforms.
func NewContext(sampleRate int) (echoel.AudioContext, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	context, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, errors.New("timeout waiting for the audio device")
	}
	return &Context{context: context, sampleRate: sampleRate}, nil
}

// Play starts pulling audio from the source and playing it on the device.
func (c *Context) Play(source echoel.AudioSource) echoel.CloserWaiter {
	p := c.context.NewPlayer(&audioReader{source: source})
	p.Play()
	return &playback{player: p}
}

func (c *Context) Close() error {
	return c.context.Suspend()
}

func (p *playback) Close() error {
	if err := p.player.Close(); err != nil {
		return fmt.Errorf("cannot close player: %w", err)
	}
	return nil
}

// Wait blocks until the source is exhausted and the device buffer has
// drained.
func (p *playback) Wait() {
	for p.player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
}

const readerFrames = 2048

func (r *audioReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	frames := len(p) / 8 // 2 channels x 4 bytes
	if frames > readerFrames {
		frames = readerFrames
	}
	if frames == 0 {
		return 0, nil
	}
	if len(r.scratch) < frames {
		r.scratch = make(echoel.AudioBuffer, frames)
	}
	buf := r.scratch[:frames]
	buf.Clear()
	n, err := r.source.ReadAudio(buf)
	if err != nil {
		r.err = err
		if n == 0 {
			return 0, err
		}
	}
	for i := 0; i < n; i++ {
		l := math.Float32bits(buf[i][0])
		h := math.Float32bits(buf[i][1])
		o := i * 8
		p[o] = byte(l)
		p[o+1] = byte(l >> 8)
		p[o+2] = byte(l >> 16)
		p[o+3] = byte(l >> 24)
		p[o+4] = byte(h)
		p[o+5] = byte(h >> 8)
		p[o+6] = byte(h >> 16)
		p[o+7] = byte(h >> 24)
	}
	return n * 8, nil
}
