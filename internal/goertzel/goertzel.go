// Package goertzel extracts the spectral features of the brushing detector
// from one analysis frame of mono PCM.
//
// Six single-bin Goertzel filters run over a Hann-windowed 512-sample frame at
// 16 kHz. Three bins cover the motor's harmonic cluster (210/240/270 Hz), one
// its first overtone (480 Hz), and two sit outside the motor's signature
// (120/390 Hz) as a noise reference. From these the analyzer derives:
//
//   - ratio: harmonic energy (plus half the overtone) over reference energy;
//   - tonality: the strongest harmonic bin's share of the cluster, which is
//     high for a clean motor tone and near 1/3 for broadband noise.
//
// Both features are EMA-smoothed across frames.
package goertzel

import (
	"math"

	"brushmic/internal/smooth"
)

const (
	// SampleRate is the capture rate the coefficients are computed for.
	SampleRate = 16000

	// FrameSize is the number of samples per analysis frame (32 ms).
	FrameSize = 512

	// NumBins is the number of target frequencies.
	NumBins = 6

	// Epsilon keeps the feature ratios finite on silent frames.
	Epsilon = 1e-6

	// RatioAlpha and TonalityAlpha smooth the features between frames.
	RatioAlpha    = 0.2
	TonalityAlpha = 0.2

	// OvertoneWeight scales the 480 Hz bin in the ratio numerator.
	OvertoneWeight = 0.5
)

// Frequencies are the target bins in result order. Indices 0-2 are the
// harmonic cluster, 3 the overtone, 4-5 the noise reference.
var Frequencies = [NumBins]float64{210, 240, 270, 480, 120, 390}

// Bin is a single-frequency Goertzel filter.
type Bin struct {
	coeff  float64
	s1, s2 float64
}

// NewBin returns a filter tuned to freq Hz at sampleRate Hz.
func NewBin(freq, sampleRate float64) Bin {
	return Bin{coeff: 2 * math.Cos(2*math.Pi*freq/sampleRate)}
}

// Push feeds one sample through the recursion.
func (b *Bin) Push(x float64) {
	s := x + b.coeff*b.s1 - b.s2
	b.s2 = b.s1
	b.s1 = s
}

// Power returns the squared magnitude at the target frequency for all samples
// pushed since the last Reset. Rounding can make it slightly negative for
// near-zero input; it is clamped to 0.
func (b *Bin) Power() float64 {
	p := b.s1*b.s1 + b.s2*b.s2 - b.coeff*b.s1*b.s2
	if p < 0 {
		return 0
	}
	return p
}

// Reset clears the delay line.
func (b *Bin) Reset() {
	b.s1, b.s2 = 0, 0
}

// Hann returns the Hann window coefficient for sample i of an n-sample block.
func Hann(i, n int) float64 {
	if n <= 1 {
		return 1
	}
	return 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
}

// Features is the result of analysing one frame.
type Features struct {
	Bins        [NumBins]float64 // raw power, in Frequencies order
	RMS         float64          // RMS of the raw (unwindowed) frame
	Ratio       float64
	RatioEMA    float64
	Tonality    float64
	TonalityEMA float64
}

// Analyzer turns frames into Features. It carries the feature EMAs, so one
// Analyzer must see the frames of one stream in order. Zero value is not
// usable; use New().
type Analyzer struct {
	bins     [NumBins]Bin
	window   []float64
	ratio    *smooth.EMA
	tonality *smooth.EMA
}

// New returns an Analyzer for FrameSize-sample frames at SampleRate.
func New() *Analyzer {
	a := &Analyzer{
		window:   make([]float64, FrameSize),
		ratio:    smooth.New(RatioAlpha),
		tonality: smooth.New(TonalityAlpha),
	}
	for i, f := range Frequencies {
		a.bins[i] = NewBin(f, SampleRate)
	}
	for i := range a.window {
		a.window[i] = Hann(i, FrameSize)
	}
	return a
}

// Analyze runs all bins over frame and updates the feature EMAs. frame
// normally holds FrameSize samples; other lengths are windowed over their own
// length.
func (a *Analyzer) Analyze(frame []float32) Features {
	for i := range a.bins {
		a.bins[i].Reset()
	}

	var sumSquares float64
	for n, s := range frame {
		x := float64(s)
		sumSquares += x * x
		w := x * a.coefficient(n, len(frame))
		for i := range a.bins {
			a.bins[i].Push(w)
		}
	}

	var f Features
	for i := range a.bins {
		f.Bins[i] = a.bins[i].Power()
	}
	if len(frame) > 0 {
		f.RMS = math.Sqrt(sumSquares / float64(len(frame)))
	}

	harmonicSum := f.Bins[0] + f.Bins[1] + f.Bins[2]
	maxHarmonic := max(f.Bins[0], f.Bins[1], f.Bins[2])
	numerator := harmonicSum + OvertoneWeight*f.Bins[3]
	denominator := f.Bins[4] + f.Bins[5] + Epsilon

	f.Ratio = numerator / denominator
	f.Tonality = maxHarmonic / (harmonicSum + Epsilon)
	f.RatioEMA = a.ratio.Add(f.Ratio)
	f.TonalityEMA = a.tonality.Add(f.Tonality)
	return f
}

func (a *Analyzer) coefficient(i, n int) float64 {
	if n == len(a.window) {
		return a.window[i]
	}
	return Hann(i, n)
}
