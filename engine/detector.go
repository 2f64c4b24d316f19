package engine

import (
	"math"
	"sync/atomic"

	"github.com/viterin/vek/vek32"

	"github.com/echoelmusic/echoel"
)

type (
	// Detector measures the loudness (EBU R128 / tech 3341) and true peak
	// (ITU BS.1770) of the master mix. It runs on its own goroutine,
	// consuming 100 ms chunks from Broker.ToDetector and publishing
	// DetectorResult to Broker.ToModel; the latest result is also kept
	// behind an atomic pointer for direct polling.
	Detector struct {
		broker           *Broker
		sampleRate       int
		chunkFrames      int
		loudnessDetector loudnessDetector
		peakDetector     peakDetector
		result           atomic.Pointer[DetectorResult]
	}

	LoudnessType  int
	PeakType      int
	WeightingType int

	Decibel float32

	LoudnessResult [NumLoudnessTypes]Decibel
	PeakResult     [NumPeakTypes][2]Decibel

	DetectorResult struct {
		Loudness LoudnessResult
		Peaks    PeakResult
	}

	loudnessDetector struct {
		weighting       weighting
		states          [2][3]biquadState
		powers          [2]RingBuffer[float32] // 0 = momentary (400 ms), 1 = short-term (3 s)
		averagedPowers  [2][]float32
		maxPowers       [2]float32
		integratedPower float32
		tmp, tmp2       []float32
		tmpbool         []bool
	}

	biquadState struct {
		x1, x2, y1, y2 float32
	}

	biquadCoeff struct {
		b0, b1, b2, a1, a2 float32
	}

	weighting struct {
		coeffs []biquadCoeff
		offset float32
	}

	peakDetector struct {
		oversampling bool
		states       [2]oversamplerState
		windows      [2][2]RingBuffer[float32]
		maxPower     [2]float32
		tmp, tmp2    []float32
	}

	oversamplerState struct {
		history   [11]float32
		tmp, tmp2 []float32
	}
)

const (
	LoudnessMomentary LoudnessType = iota
	LoudnessShortTerm
	LoudnessMaxMomentary
	LoudnessMaxShortTerm
	LoudnessIntegrated
	NumLoudnessTypes
)

const (
	PeakMomentary PeakType = iota
	PeakShortTerm
	PeakIntegrated
	NumPeakTypes
)

const (
	KWeighting WeightingType = iota
	AWeighting
	CWeighting
	NoWeighting
	NumWeightingTypes
)

// one hour of measurements at 10 Hz (one per 100 ms chunk)
const maxIntegratedData = 10 * 60 * 60

func NewDetector(b *Broker) *Detector {
	d := &Detector{
		broker:           b,
		loudnessDetector: makeLoudnessDetector(KWeighting),
		peakDetector:     makePeakDetector(true),
	}
	d.setSampleRate(48000)
	return d
}

func (d *Detector) setSampleRate(rate int) {
	if rate <= 0 {
		return
	}
	d.sampleRate = rate
	d.chunkFrames = rate / 10
}

// Result returns the latest measurement, or nil before the first chunk.
func (d *Detector) Result() *DetectorResult { return d.result.Load() }

// Run consumes ToDetector until CloseDetector fires; run it on its own
// goroutine. Measurements are taken in whole 100 ms chunks; a partial
// chunk waits for the rest of its samples.
func (d *Detector) Run() {
	defer close(d.broker.FinishedDetector)
	var pending echoel.AudioBuffer
	for {
		select {
		case <-d.broker.CloseDetector:
			return
		case msg := <-d.broker.ToDetector:
			if msg.HasSampleRate {
				d.setSampleRate(msg.SampleRate)
			}
			if msg.Reset {
				d.loudnessDetector.reset()
				d.peakDetector.reset()
				pending = pending[:0]
			}
			if msg.HasWeighting && msg.Weighting >= 0 && msg.Weighting < NumWeightingTypes {
				d.loudnessDetector.weighting = weightings[msg.Weighting]
				d.loudnessDetector.reset()
			}
			if msg.HasOversampling {
				d.peakDetector.oversampling = msg.Oversampling
				d.peakDetector.reset()
			}
			switch data := msg.Data.(type) {
			case *echoel.AudioBuffer:
				pending = append(pending, *data...)
				d.broker.PutAudioBuffer(data)
				for len(pending) >= d.chunkFrames {
					d.measure(pending[:d.chunkFrames])
					pending = pending[:copy(pending, pending[d.chunkFrames:])]
				}
			case func():
				data()
			}
		}
	}
}

func (d *Detector) measure(chunk echoel.AudioBuffer) {
	result := DetectorResult{
		Loudness: d.loudnessDetector.update(chunk),
		Peaks:    d.peakDetector.update(chunk),
	}
	d.result.Store(&result)
	TrySend(d.broker.ToModel, MsgToModel{
		HasDetectorResult: true,
		DetectorResult:    result,
	})
}

// Close asks the detector goroutine to exit; Wait blocks until it has.
func (d *Detector) Close() { TrySend(d.broker.CloseDetector, struct{}{}) }
func (d *Detector) Wait()  { <-d.broker.FinishedDetector }

func makeLoudnessDetector(w WeightingType) loudnessDetector {
	return loudnessDetector{
		weighting: weightings[w],
		powers: [2]RingBuffer[float32]{
			{Buffer: make([]float32, 4)},  // 4 x 100 ms = momentary window
			{Buffer: make([]float32, 30)}, // 30 x 100 ms = short-term window
		},
	}
}

func makePeakDetector(oversampling bool) peakDetector {
	return peakDetector{
		oversampling: oversampling,
		windows: [2][2]RingBuffer[float32]{
			{{Buffer: make([]float32, 4)}, {Buffer: make([]float32, 4)}},
			{{Buffer: make([]float32, 30)}, {Buffer: make([]float32, 30)}},
		},
	}
}

/*
From matlab:
f = getFilter(weightingFilter('A-weighting','SampleRate',44100)); f.Numerator, f.Denominator
for i = 1:size(f.Numerator,1); fprintf("b0: %.16f, b1: %.16f, b2: %.16f, a1: %.16f, a2: %.16f\n",f.Numerator(i,:),f.Denominator(i,2:end)); end
f = getFilter(weightingFilter('C-weighting','SampleRate',44100)); f.Numerator, f.Denominator
for i = 1:size(f.Numerator,1); fprintf("b0: %.16f, b1: %.16f, b2: %.16f, a1: %.16f, a2: %.16f\n",f.Numerator(i,:),f.Denominator(i,2:end)); end
f = getFilter(weightingFilter('k-weighting','SampleRate',44100)); f.Numerator, f.Denominator
for i = 1:size(f.Numerator,1); fprintf("b0: %.16f, b1: %.16f, b2: %.16f, a1: %.16f, a2: %.16f\n",f.Numerator(i,:),f.Denominator(i,2:end)); end
*/
var weightings = map[WeightingType]weighting{
	AWeighting: {coeffs: []biquadCoeff{
		{b0: 1, b1: 2, b2: 1, a1: -0.1405360824207108, a2: 0.0049375976155402},
		{b0: 1, b1: -2, b2: 1, a1: -1.8849012174287920, a2: 0.8864214718161675},
		{b0: 1, b1: -2, b2: 1, a1: -1.9941388812663283, a2: 0.9941474694445309},
	}, offset: 0},
	CWeighting: {coeffs: []biquadCoeff{
		{b0: 1, b1: 2, b2: 1, a1: -0.1405360824207108, a2: 0.0049375976155402},
		{b0: 1, b1: -2, b2: 1, a1: -1.9941388812663283, a2: 0.9941474694445309},
	}, offset: 0},
	KWeighting: {coeffs: []biquadCoeff{
		{b0: 1.5308412300503476, b1: -2.6509799951547293, b2: 1.1690790799215869, a1: -1.6636551132560204, a2: 0.7125954280732254},
		{b0: 0.9995600645425144, b1: -1.9991201290850289, b2: 0.9995600645425144, a1: -1.9891696736297957, a2: 0.9891990357870394},
	}, offset: -0.691}, // offset is to make up for the fact that K-weighting has slightly above unity gain at 1 kHz
	NoWeighting: {coeffs: []biquadCoeff{}, offset: 0},
}

// according to https://tech.ebu.ch/docs/tech/tech3341.pdf
// momentary loudness = last 400 ms, short-term loudness = last 3 s; every
// 100 ms chunk contributes one power measurement to both sliding windows.
// The gated integrated loudness is recalculated once a second: drop blocks
// below -70 LUFS, then drop blocks more than 10 dB below the mean of the
// rest, and average what survives.
func (d *loudnessDetector) update(chunk echoel.AudioBuffer) LoudnessResult {
	l := max(len(chunk), maxIntegratedData)
	setSliceLength(&d.tmp, l)
	setSliceLength(&d.tmp2, l)
	setSliceLength(&d.tmpbool, l)
	var total float32
	for chn := 0; chn < 2; chn++ {
		for i := 0; i < len(chunk); i++ {
			d.tmp[i] = chunk[i][chn]
		}
		for k := 0; k < len(d.weighting.coeffs); k++ {
			d.states[chn][k].Filter(d.tmp[:len(chunk)], d.weighting.coeffs[k])
		}
		res := vek32.Mul_Into(d.tmp2, d.tmp[:len(chunk)], d.tmp[:len(chunk)])
		total += vek32.Mean(res)
	}
	var ret LoudnessResult
	for i := range d.powers {
		d.powers[i].WriteWrapSingle(total)
		mean := vek32.Mean(d.powers[i].Buffer)
		if len(d.averagedPowers[i]) < maxIntegratedData {
			d.averagedPowers[i] = append(d.averagedPowers[i], mean)
		}
		if d.maxPowers[i] < mean {
			d.maxPowers[i] = mean
		}
		ret[i+int(LoudnessMomentary)] = power2loudness(mean, d.weighting.offset)
		ret[i+int(LoudnessMaxMomentary)] = power2loudness(d.maxPowers[i], d.weighting.offset)
	}
	if len(d.averagedPowers[0])%10 == 0 {
		absThreshold := loudness2power(-70, d.weighting.offset)
		b := vek32.GtNumber_Into(d.tmpbool, d.averagedPowers[0], absThreshold)
		m2 := vek32.Select_Into(d.tmp, d.averagedPowers[0], b)
		if len(m2) > 0 {
			relThreshold := vek32.Mean(m2) / 10
			b2 := vek32.GtNumber_Into(d.tmpbool, m2, relThreshold)
			m3 := vek32.Select_Into(d.tmp2, m2, b2)
			if len(m3) > 0 {
				d.integratedPower = vek32.Mean(m3)
			}
		}
	}
	ret[LoudnessIntegrated] = power2loudness(d.integratedPower, d.weighting.offset)
	return ret
}

func (d *loudnessDetector) reset() {
	for i := range d.powers {
		d.powers[i].Reset()
		d.averagedPowers[i] = d.averagedPowers[i][:0]
		d.maxPowers[i] = 0
	}
	for chn := range d.states {
		for k := range d.states[chn] {
			d.states[chn][k] = biquadState{}
		}
	}
	d.integratedPower = 0
}

func power2loudness(power, offset float32) Decibel {
	return Decibel(float32(10*math.Log10(float64(power))) + offset)
}

func loudness2power(loudness Decibel, offset float32) float32 {
	return float32(math.Pow(10, (float64(loudness)-float64(offset))/10))
}

func (state *biquadState) Filter(buffer []float32, coeff biquadCoeff) {
	s := *state
	for i := 0; i < len(buffer); i++ {
		x := buffer[i]
		y := coeff.b0*x + coeff.b1*s.x1 + coeff.b2*s.x2 - coeff.a1*s.y1 - coeff.a2*s.y2
		s.x2, s.x1 = s.x1, x
		s.y2, s.y1 = s.y1, y
		buffer[i] = y
	}
	*state = s
}

// ref: https://www.itu.int/dms_pubrec/itu-r/rec/bs/R-REC-BS.1770-5-202311-I!!PDF-E.pdf
var oversamplingCoeffs = [4][12]float32{
	{0.0017089843750, 0.0109863281250, -0.0196533203125, 0.0332031250000, -0.0594482421875, 0.1373291015625, 0.9721679687500, -0.1022949218750, 0.0476074218750, -0.0266113281250, 0.0148925781250, -0.0083007812500},
	{-0.0291748046875, 0.0292968750000, -0.0517578125000, 0.0891113281250, -0.1665039062500, 0.4650878906250, 0.7797851562500, -0.2003173828125, 0.1015625000000, -0.0582275390625, 0.0330810546875, -0.0189208984375},
	{-0.0189208984375, 0.0330810546875, -0.058227539062, 0.1015625000000, -0.200317382812, 0.7797851562500, 0.4650878906250, -0.166503906250, 0.0891113281250, -0.051757812500, 0.0292968750000, -0.0291748046875},
	{-0.0083007812500, 0.0148925781250, -0.0266113281250, 0.0476074218750, -0.1022949218750, 0.9721679687500, 0.1373291015625, -0.0594482421875, 0.0332031250000, -0.0196533203125, 0.0109863281250, 0.0017089843750},
}

// u[k] = x[k/4] if k%4 == 0, 0 otherwise
// y[k] = sum_{i=0}^{47} h[i] * u[k-i]
// h[i] = o[i%4][i/4]
// k = p*4+q, q=0..3
// y[p*4+q] = sum_{j=0}^{11} sum_{i=0}^{3} h[j*4+i] * u[p*4+q-j*4-i] = ...
// (q-i)%4 == 0 ==> i = q
// ... = sum_{j=0}^{11} o[q][j] * x[p-j]
// y should be at least 4 times the length of x
func (s *oversamplerState) Oversample(x []float32, y []float32) []float32 {
	setSliceLength(&s.tmp, len(x))
	setSliceLength(&s.tmp2, len(x))
	for q, coeffs := range oversamplingCoeffs {
		r := vek32.Zeros_Into(s.tmp2, len(x))
		for j, c := range coeffs {
			// convolution pulls values before x[0]; history covers those
			vek32.MulNumber_Into(s.tmp[:j], s.history[11-j:11], c)
			vek32.MulNumber_Into(s.tmp[j:], x[:len(x)-j], c)
			vek32.Add_Inplace(r, s.tmp[:len(x)])
		}
		for p, v := range r {
			y[p*4+q] = v
		}
	}
	z := min(len(x), 11)
	copy(s.history[:11-z], s.history[z:11])
	copy(s.history[11-z:], x[len(x)-z:])
	return y[:len(x)*4]
}

// true peak is tracked in the same three views as loudness: the momentary
// and short-term windows plus the all-time maximum. The integrated view is
// simply the maximum so far, per channel.
func (d *peakDetector) update(buf echoel.AudioBuffer) (ret PeakResult) {
	setSliceLength(&d.tmp, len(buf))
	setSliceLength(&d.tmp2, 4*len(buf))
	for chn := 0; chn < 2; chn++ {
		for i := range buf {
			d.tmp[i] = buf[i][chn]
		}
		var o []float32
		if d.oversampling {
			o = d.states[chn].Oversample(d.tmp[:len(buf)], d.tmp2)
		} else {
			o = d.tmp[:len(buf)]
		}
		vek32.Abs_Inplace(o)
		p := vek32.Max(o)
		for i := range d.windows {
			d.windows[i][chn].WriteWrapSingle(p)
			windowPeak := vek32.Max(d.windows[i][chn].Buffer)
			ret[i+int(PeakMomentary)][chn] = Decibel(20 * math.Log10(float64(windowPeak)))
		}
		if d.maxPower[chn] < p {
			d.maxPower[chn] = p
		}
		ret[int(PeakIntegrated)][chn] = Decibel(20 * math.Log10(float64(d.maxPower[chn])))
	}
	return
}

func (d *peakDetector) reset() {
	for chn := 0; chn < 2; chn++ {
		d.states[chn].history = [11]float32{}
		for i := range d.windows {
			d.windows[i][chn].Reset()
		}
		d.maxPower[chn] = 0
	}
}
