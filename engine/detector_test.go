package engine_test

import (
	"math"
	"testing"
	"time"

	"github.com/echoelmusic/echoel"
	"github.com/echoelmusic/echoel/engine"
)

// EBU tech 3341 case 1: a 997 Hz stereo sine at -20 dBFS must read
// -20.0 LUFS momentary within +-0.1 LU once the 400 ms window is full.
func TestDetectorSineLoudness(t *testing.T) {
	broker := engine.NewBroker()
	d := engine.NewDetector(broker)
	go d.Run()
	defer func() {
		d.Close()
		d.Wait()
	}()

	const sampleRate = 48000
	broker.ToDetector <- engine.MsgToDetector{Reset: true, HasSampleRate: true, SampleRate: sampleRate}

	// one second of signal, enough for both the momentary and one
	// integrated gating pass
	buf := broker.GetAudioBuffer()
	amp := float32(math.Pow(10, -20.0/20))
	for i := 0; i < sampleRate; i++ {
		v := amp * float32(math.Sin(2*math.Pi*997*float64(i)/sampleRate))
		*buf = append(*buf, [2]float32{v, v})
	}
	broker.ToDetector <- engine.MsgToDetector{Data: buf}

	var last engine.DetectorResult
	got := 0
	for got < 10 {
		msg, ok := engine.TimeoutReceive(broker.ToModel, time.Second)
		if !ok {
			t.Fatal("timed out waiting for detector results")
		}
		if !msg.HasDetectorResult {
			continue
		}
		last = msg.DetectorResult
		got++
	}

	momentary := float64(last.Loudness[engine.LoudnessMomentary])
	if math.Abs(momentary+20) > 0.2 {
		t.Errorf("momentary loudness = %.2f LUFS, want -20 +-0.2", momentary)
	}
	if d.Result() == nil {
		t.Fatal("Result() not published")
	}

	// true peak of a -20 dBFS sine is -20 dBTP, oversampling overshoot
	// is well under a dB
	peak := float64(last.Peaks[engine.PeakIntegrated][0])
	if math.Abs(peak+20) > 0.5 {
		t.Errorf("integrated true peak = %.2f dBTP, want -20 +-0.5", peak)
	}
}

func TestDetectorReset(t *testing.T) {
	broker := engine.NewBroker()
	d := engine.NewDetector(broker)
	go d.Run()
	defer func() {
		d.Close()
		d.Wait()
	}()

	const sampleRate = 1000 // 100-frame chunks keep the test light
	broker.ToDetector <- engine.MsgToDetector{Reset: true, HasSampleRate: true, SampleRate: sampleRate}

	loud := broker.GetAudioBuffer()
	*loud = append(*loud, constantClip(100, 0.9)...)
	broker.ToDetector <- engine.MsgToDetector{Data: loud}
	if _, ok := engine.TimeoutReceive(broker.ToModel, time.Second); !ok {
		t.Fatal("no result for the loud chunk")
	}

	broker.ToDetector <- engine.MsgToDetector{Reset: true}
	quiet := broker.GetAudioBuffer()
	*quiet = append(*quiet, make(echoel.AudioBuffer, 100)...)
	broker.ToDetector <- engine.MsgToDetector{Data: quiet}

	msg, ok := engine.TimeoutReceive(broker.ToModel, time.Second)
	if !ok {
		t.Fatal("no result after reset")
	}
	peak := float64(msg.DetectorResult.Peaks[engine.PeakIntegrated][0])
	if !math.IsInf(peak, -1) {
		t.Errorf("integrated peak after reset = %v dBTP, want -Inf for silence", peak)
	}
}
