// Package smooth provides the exponential moving average used to steady the
// detector's loudness and spectral features between frames.
package smooth

// EMA is an exponential moving average. The first sample seeds the average
// directly so there is no warm-up bias toward zero.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// New returns an EMA with smoothing factor alpha in (0, 1]. Larger values
// track the input faster.
func New(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return &EMA{alpha: alpha}
}

// Add blends raw into the average and returns the new value.
func (e *EMA) Add(raw float64) float64 {
	if !e.primed {
		e.value = raw
		e.primed = true
		return e.value
	}
	e.value += e.alpha * (raw - e.value)
	return e.value
}

// Value returns the current average (0 before the first Add).
func (e *EMA) Value() float64 { return e.value }

// Primed reports whether at least one sample has been added.
func (e *EMA) Primed() bool { return e.primed }

// Alpha returns the smoothing factor.
func (e *EMA) Alpha() float64 { return e.alpha }

// Reset forgets all history; the next Add seeds the average again.
func (e *EMA) Reset() {
	e.value = 0
	e.primed = false
}
