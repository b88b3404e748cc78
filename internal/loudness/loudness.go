// Package loudness tracks the short-term loudness of a mono PCM stream over a
// sliding window of the most recent samples.
//
// Samples are kept in a fixed ring buffer. The running sum and sum of squares
// are updated incrementally as samples enter and leave the window, so the RMS
// (standard deviation about the window mean, which removes any DC offset from
// the microphone) is available in constant time. The reported RMS is smoothed
// with an EMA and converted to dBFS with a hard floor.
package loudness

import (
	"math"

	"brushmic/internal/smooth"
)

const (
	// DefaultSize is the number of samples in the window (64 ms at 16 kHz).
	DefaultSize = 1024

	// EMAAlpha smooths the windowed RMS between updates.
	EMAAlpha = 0.2

	// FloorDBFS is the lowest level ever reported. Silence maps here instead
	// of -Inf.
	FloorDBFS = -120.0
)

// Window is a sliding loudness estimator. Zero value is not usable; use New().
type Window struct {
	buf   []float32
	index int // next write position
	fill  int // resident samples, <= len(buf)

	// float64 accumulators keep add/subtract drift negligible over long runs.
	sum        float64
	sumSquares float64

	rms  *smooth.EMA
	dbfs float64
}

// New returns a Window holding size samples. size < 1 selects DefaultSize.
func New(size int) *Window {
	if size < 1 {
		size = DefaultSize
	}
	return &Window{
		buf:  make([]float32, size),
		rms:  smooth.New(EMAAlpha),
		dbfs: FloorDBFS,
	}
}

// Accumulate adds one sample, evicting the oldest once the window is full.
func (w *Window) Accumulate(sample float32) {
	if w.fill < len(w.buf) {
		w.fill++
	} else {
		old := float64(w.buf[w.index])
		w.sum -= old
		w.sumSquares -= old * old
	}
	s := float64(sample)
	w.buf[w.index] = sample
	w.sum += s
	w.sumSquares += s * s
	w.index = (w.index + 1) % len(w.buf)
}

// Update recomputes the smoothed RMS and dBFS from the resident samples.
// It does nothing until at least one sample has been accumulated.
func (w *Window) Update() {
	if w.fill == 0 {
		return
	}
	n := float64(w.fill)
	mean := w.sum / n
	meanSquares := w.sumSquares / n
	variance := meanSquares - mean*mean
	if variance < 0 {
		variance = 0
	}
	rms := w.rms.Add(math.Sqrt(variance))
	w.dbfs = DBFS(rms)
}

// RMS returns the smoothed windowed RMS.
func (w *Window) RMS() float64 { return w.rms.Value() }

// DBFS returns the smoothed windowed level in dBFS, never below FloorDBFS.
func (w *Window) DBFS() float64 { return w.dbfs }

// Sum returns the running sum of the resident samples.
func (w *Window) Sum() float64 { return w.sum }

// SumSquares returns the running sum of squares of the resident samples.
func (w *Window) SumSquares() float64 { return w.sumSquares }

// Len returns the number of resident samples.
func (w *Window) Len() int { return w.fill }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Reset empties the window and forgets the smoothed level.
func (w *Window) Reset() {
	clear(w.buf)
	w.index = 0
	w.fill = 0
	w.sum = 0
	w.sumSquares = 0
	w.rms.Reset()
	w.dbfs = FloorDBFS
}

// DBFS converts a linear RMS amplitude (full scale = 1.0) to dBFS, clamped
// to FloorDBFS for zero, negative and NaN input.
func DBFS(rms float64) float64 {
	if !(rms > 0) {
		return FloorDBFS
	}
	db := 20 * math.Log10(rms)
	if db < FloorDBFS {
		return FloorDBFS
	}
	return db
}
