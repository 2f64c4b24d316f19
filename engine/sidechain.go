package engine

import (
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/echoelmusic/echoel"
	"github.com/viterin/vek/vek32"
)

// SidechainSource is an analysis-only tap on one track's pre-fader signal:
// it feeds a peak/RMS/envelope follower for external dynamics processors
// (ducking compressors and the like) and never contributes to the audible
// mix. At most one exists per track.
type SidechainSource struct {
	track   atomic.Int32 // engine track index, reindexed on track removal
	scratch []float32    // audio thread only
	squares []float32    // squared scratch, audio thread only

	peak     atomicFloat32
	rms      atomicFloat32
	envelope atomicFloat32

	releaseCoeff float32
}

func newSidechainSource(track, maxBlock int) *SidechainSource {
	s := &SidechainSource{
		scratch:      make([]float32, maxBlock),
		squares:      make([]float32, maxBlock),
		releaseCoeff: 0.995,
	}
	s.track.Store(int32(track))
	return s
}

func (s *SidechainSource) TrackIndex() int { return int(s.track.Load()) }

// feed analyzes one block. The mid (mono sum) of the stereo signal drives
// the follower; attack is instantaneous, release is a one-pole decay.
func (s *SidechainSource) feed(buf echoel.AudioBuffer, n int) {
	if n > len(s.scratch) {
		n = len(s.scratch)
	}
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		s.scratch[i] = (buf[i][0] + buf[i][1]) * 0.5
	}
	w := s.scratch[:n]
	vek32.Abs_Inplace(w)
	peak := vek32.Max(w)
	// vek32 in-place ops reject overlapping operands, so the squares go
	// to a separate scratch.
	sq := s.squares[:n]
	vek32.Mul_Into(sq, w, w)
	rms := math32.Sqrt(vek32.Mean(sq))

	s.peak.Store(peak)
	s.rms.Store(rms)
	env := s.envelope.Load()
	if peak > env {
		env = peak
	} else {
		env = env*s.releaseCoeff + peak*(1-s.releaseCoeff)
	}
	s.envelope.Store(env)
}

// PeakLevel is the last block's peak, linear.
func (s *SidechainSource) PeakLevel() float32 { return s.peak.Load() }

// RMSLevel is the last block's RMS, linear.
func (s *SidechainSource) RMSLevel() float32 { return s.rms.Load() }

// EnvelopeLevel is the smoothed follower output, linear.
func (s *SidechainSource) EnvelopeLevel() float32 { return s.envelope.Load() }
