// Package mic implements the brushing-sound detector for a single I2S-style
// microphone channel.
//
// Each Update drains whatever PCM the source has buffered without blocking,
// feeds it to a sliding loudness window, and assembles 512-sample analysis
// frames. When a frame completes it is run through the Goertzel analyzer and
// the smoothed features drive the hysteresis classifier. Calls that do not
// complete a frame return the previous result with FrameValid cleared.
//
// A Detector is owned by one goroutine. It does no locking and no logging;
// callers read the returned Result and decide what to report.
package mic

import (
	"time"

	"brushmic/internal/goertzel"
	"brushmic/internal/hysteresis"
	"brushmic/internal/loudness"
)

const (
	// SampleRate is the capture rate the analyzer is tuned for.
	SampleRate = goertzel.SampleRate

	// FrameSize is the number of samples per analysis frame.
	FrameSize = goertzel.FrameSize

	// FrameDuration is the audio time covered by one frame.
	FrameDuration = time.Duration(FrameSize) * time.Second / SampleRate

	// WindowSize is the loudness window length in samples.
	WindowSize = loudness.DefaultSize

	// readChunk is the number of container words requested per source read.
	readChunk = 64

	// normalization maps a 24-bit sample to [-1, 1).
	normalization = 1 << 23
)

// Source delivers raw 32-bit I2S container words: one mono 24-bit sample in
// the upper bits of each word.
type Source interface {
	// Start configures and starts continuous capture at SampleRate.
	Start() error
	// Read copies up to len(dst) buffered words into dst and returns how
	// many were copied. It must not block: an empty buffer returns 0.
	Read(dst []int32) (int, error)
}

// Params are the detection thresholds.
type Params = hysteresis.Params

// DefaultParams returns the stock thresholds.
func DefaultParams() Params { return hysteresis.DefaultParams() }

// Result is the detector output for one Update.
type Result struct {
	Brushing    bool                      `json:"brushing"`
	FrameValid  bool                      `json:"frame_valid"`
	RMS         float64                   `json:"rms"`
	Ratio       float64                   `json:"ratio"`
	RatioEMA    float64                   `json:"ratio_ema"`
	Tonality    float64                   `json:"tonality"`
	TonalityEMA float64                   `json:"tonality_ema"`
	Bins        [goertzel.NumBins]float64 `json:"bins"` // 210, 240, 270, 480, 120, 390 Hz
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces time.Now as the source of the current time. The clock
// must be monotonic for mute deadlines to behave.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithParams sets the initial thresholds.
func WithParams(p Params) Option {
	return func(d *Detector) { d.classifier.SetParams(p) }
}

// Detector is the brushing detector for one microphone. Zero value is not
// usable; use New().
type Detector struct {
	src Source
	now func() time.Time

	readBuf   [readChunk]int32
	frame     [FrameSize]float32
	frameFill int

	window     *loudness.Window
	analyzer   *goertzel.Analyzer
	classifier *hysteresis.Classifier

	result Result
}

// New returns a Detector reading from src with default thresholds.
func New(src Source, opts ...Option) *Detector {
	d := &Detector{
		src:        src,
		now:        time.Now,
		window:     loudness.New(WindowSize),
		analyzer:   goertzel.New(),
		classifier: hysteresis.New(hysteresis.DefaultParams()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Begin starts the underlying source. Call once.
func (d *Detector) Begin() error {
	return d.src.Start()
}

// Update is the per-tick entry point. Positive ratioOn and ratioHold replace
// the stored thresholds for this and later calls; zero or negative values
// leave them unchanged.
func (d *Detector) Update(ratioOn, ratioHold float64) Result {
	if ratioOn > 0 || ratioHold > 0 {
		p := d.classifier.Params()
		if ratioOn > 0 {
			p.RatioOn = ratioOn
		}
		if ratioHold > 0 {
			p.RatioHold = ratioHold
		}
		d.classifier.SetParams(p)
	}

	now := d.now()
	haveFrame := d.fillFrame()
	if haveFrame {
		d.analyze()
		d.frameFill = 0
	} else {
		d.result.FrameValid = false
	}

	if haveFrame {
		d.result.Brushing = d.classifier.Observe(now, d.result.RatioEMA, d.result.TonalityEMA)
	} else {
		d.result.Brushing = d.classifier.Tick(now)
	}
	return d.result
}

// fillFrame drains the source into the analysis frame and reports whether
// the frame is full. A read error or empty read ends the drain for this call.
func (d *Detector) fillFrame() bool {
	received := false
	for d.frameFill < FrameSize {
		// Never ask for more than the frame can take, so surplus samples stay
		// queued in the source for the next frame.
		want := min(readChunk, FrameSize-d.frameFill)
		n, err := d.src.Read(d.readBuf[:want])
		if err != nil || n <= 0 {
			break
		}
		received = true
		for _, raw := range d.readBuf[:min(n, want)] {
			s := Normalize(raw)
			d.frame[d.frameFill] = s
			d.frameFill++
			d.window.Accumulate(s)
		}
	}
	if received {
		d.window.Update()
	}
	return d.frameFill >= FrameSize
}

func (d *Detector) analyze() {
	f := d.analyzer.Analyze(d.frame[:])
	d.result.Bins = f.Bins
	d.result.RMS = f.RMS
	d.result.Ratio = f.Ratio
	d.result.RatioEMA = f.RatioEMA
	d.result.Tonality = f.Tonality
	d.result.TonalityEMA = f.TonalityEMA
	d.result.FrameValid = true
}

// SetDetectionParams replaces all thresholds. DebounceFrames below 1 is
// raised to 1.
func (d *Detector) SetDetectionParams(p Params) {
	d.classifier.SetParams(p)
}

// DetectionParams returns the current thresholds.
func (d *Detector) DetectionParams() Params {
	return d.classifier.Params()
}

// LastDetection returns the most recent result without running analysis.
func (d *Detector) LastDetection() Result {
	return d.result
}

// MuteUntil forces Brushing off and resets debounce progress until deadline.
func (d *Detector) MuteUntil(deadline time.Time) {
	d.classifier.MuteUntil(deadline)
}

// MutedUntil returns the current mute deadline.
func (d *Detector) MutedUntil() time.Time {
	return d.classifier.MutedUntil()
}

// BrushingActive reports the classifier state as of now, honouring the
// mute deadline even between Updates.
func (d *Detector) BrushingActive() bool {
	return d.classifier.ActiveAt(d.now())
}

// SampleRMS returns the raw RMS of the last analysed frame.
func (d *Detector) SampleRMS() float64 {
	return d.result.RMS
}

// WindowedRMS returns the smoothed RMS over the loudness window.
func (d *Detector) WindowedRMS() float64 {
	return d.window.RMS()
}

// WindowedDBFS returns the smoothed windowed level in dBFS.
func (d *Detector) WindowedDBFS() float64 {
	return d.window.DBFS()
}

// Normalize converts one I2S container word to a float sample in [-1, 1).
func Normalize(raw int32) float32 {
	return float32(raw>>8) / normalization
}

// Encode is the inverse of Normalize for samples in [-1, 1]: it packs a float
// sample into the upper 24 bits of a container word.
func Encode(sample float64) int32 {
	v := sample * normalization
	if v > normalization-1 {
		v = normalization - 1
	} else if v < -normalization {
		v = -normalization
	}
	return int32(v) << 8
}
