package engine_test

import (
	"math"
	"testing"

	"github.com/echoelmusic/echoel"
	"github.com/echoelmusic/echoel/engine"
)

func constantClip(frames int, value float32) echoel.AudioBuffer {
	buf := make(echoel.AudioBuffer, frames)
	for i := range buf {
		buf[i][0] = value
		buf[i][1] = value
	}
	return buf
}

func TestPanLawEqualPower(t *testing.T) {
	e := engine.NewEngine(engine.NewBroker())
	tr := e.Track(e.AddAudioTrack("pan"))
	for _, pan := range []float32{-1, -0.7, -0.3, 0, 0.25, 0.5, 1} {
		tr.SetPan(pan)
		l, r := tr.PanGains()
		sum := float64(l)*float64(l) + float64(r)*float64(r)
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("pan %v: l²+r² = %v, want 1", pan, sum)
		}
	}
	tr.SetPan(0)
	l, r := tr.PanGains()
	if math.Abs(float64(l)-math.Sqrt2/2) > 1e-5 || math.Abs(float64(r)-math.Sqrt2/2) > 1e-5 {
		t.Errorf("centre gains %v, %v, want both ≈ 0.70711", l, r)
	}
}

func TestPanExtremes(t *testing.T) {
	e := engine.NewEngine(engine.NewBroker())
	tr := e.Track(e.AddAudioTrack("pan"))
	tr.SetPan(-1)
	l, r := tr.PanGains()
	if math.Abs(float64(l)-1) > 1e-5 || math.Abs(float64(r)) > 1e-5 {
		t.Errorf("hard left gains %v, %v, want 1, 0", l, r)
	}
	tr.SetPan(1)
	l, r = tr.PanGains()
	if math.Abs(float64(l)) > 1e-5 || math.Abs(float64(r)-1) > 1e-5 {
		t.Errorf("hard right gains %v, %v, want 0, 1", l, r)
	}
}

func TestMutedTrackContributesNothing(t *testing.T) {
	e := engine.NewEngine(engine.NewBroker())
	tr := e.Track(e.AddAudioTrack("muted"))
	tr.SetClip(constantClip(64, 0.5))
	tr.SetMuted(true)
	out := make(echoel.AudioBuffer, 64)
	tr.Process(out, 0)
	for i := range out {
		if out[i][0] != 0 || out[i][1] != 0 {
			t.Fatalf("frame %d: muted track wrote %v", i, out[i])
		}
	}
}

func TestTrackProcessAppliesFaderAndPan(t *testing.T) {
	e := engine.NewEngine(engine.NewBroker())
	tr := e.Track(e.AddAudioTrack("fader"))
	tr.SetClip(constantClip(16, 0.25))
	tr.SetVolume(0.5)
	tr.SetPan(0)
	out := make(echoel.AudioBuffer, 16)
	tr.Process(out, 0)
	want := 0.25 * 0.5 * float32(math.Sqrt2/2)
	for i := range out {
		if math.Abs(float64(out[i][0]-want)) > 1e-6 || math.Abs(float64(out[i][1]-want)) > 1e-6 {
			t.Fatalf("frame %d: got %v, want %v both channels", i, out[i], want)
		}
	}
}

func TestTrackProcessAccumulates(t *testing.T) {
	e := engine.NewEngine(engine.NewBroker())
	a := e.Track(e.AddAudioTrack("a"))
	b := e.Track(e.AddAudioTrack("b"))
	a.SetClip(constantClip(8, 0.1))
	b.SetClip(constantClip(8, 0.2))
	a.SetPan(-1) // left only
	b.SetPan(-1)
	forward := make(echoel.AudioBuffer, 8)
	a.Process(forward, 0)
	b.Process(forward, 0)
	reverse := make(echoel.AudioBuffer, 8)
	b.Process(reverse, 0)
	a.Process(reverse, 0)
	for i := range forward {
		if math.Abs(float64(forward[i][0]-reverse[i][0])) > 1e-6 {
			t.Fatalf("frame %d: summation order changed the result: %v vs %v", i, forward[i][0], reverse[i][0])
		}
	}
}

func TestTrackClipPositionAndTail(t *testing.T) {
	e := engine.NewEngine(engine.NewBroker())
	tr := e.Track(e.AddAudioTrack("clip"))
	tr.SetClip(constantClip(10, 1))
	tr.SetPan(-1)
	tr.SetVolume(1)
	out := make(echoel.AudioBuffer, 8)
	tr.Process(out, 6) // clip has 4 frames left
	for i := 0; i < 4; i++ {
		if out[i][0] == 0 {
			t.Errorf("frame %d: expected clip audio", i)
		}
	}
	for i := 4; i < 8; i++ {
		if out[i][0] != 0 {
			t.Errorf("frame %d: expected silence past the clip end", i)
		}
	}
	out.Clear()
	tr.Process(out, 100) // past the clip entirely
	for i := range out {
		if out[i][0] != 0 {
			t.Fatalf("frame %d: expected silence past the clip", i)
		}
	}
}
