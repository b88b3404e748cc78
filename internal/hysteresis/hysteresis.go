// Package hysteresis turns the detector's smoothed spectral features into a
// stable on/off activity signal.
//
// Two threshold pairs give the state machine hysteresis: the stricter "on"
// thresholds must be met to become active, the looser "hold" thresholds to
// stay active. Either transition additionally needs DebounceFrames
// consecutive qualifying frames, and a single miss clears the streak. A mute
// deadline forces the output off and clears all progress while it lasts.
package hysteresis

import "time"

const (
	DefaultRatioOn        = 1.8
	DefaultRatioHold      = 1.4
	DefaultTonalityOn     = 0.55
	DefaultTonalityHold   = 0.45
	DefaultDebounceFrames = 5
)

// Params are the caller-tunable detection thresholds.
type Params struct {
	RatioOn        float64 `json:"ratio_on"`
	RatioHold      float64 `json:"ratio_hold"`
	TonalityOn     float64 `json:"tonality_on"`
	TonalityHold   float64 `json:"tonality_hold"`
	DebounceFrames int     `json:"debounce_frames"`
}

// DefaultParams returns the stock thresholds.
func DefaultParams() Params {
	return Params{
		RatioOn:        DefaultRatioOn,
		RatioHold:      DefaultRatioHold,
		TonalityOn:     DefaultTonalityOn,
		TonalityHold:   DefaultTonalityHold,
		DebounceFrames: DefaultDebounceFrames,
	}
}

// Normalize returns p with DebounceFrames raised to at least 1.
func (p Params) Normalize() Params {
	if p.DebounceFrames < 1 {
		p.DebounceFrames = 1
	}
	return p
}

// Classifier is the debounced two-threshold state machine. Zero value is not
// usable; use New().
type Classifier struct {
	params     Params
	active     bool
	onStreak   int
	offStreak  int
	mutedUntil time.Time
}

// New returns an inactive Classifier using p.
func New(p Params) *Classifier {
	return &Classifier{params: p.Normalize()}
}

// SetParams replaces the thresholds. Streak progress is kept.
func (c *Classifier) SetParams(p Params) {
	c.params = p.Normalize()
}

// Params returns the current thresholds.
func (c *Classifier) Params() Params { return c.params }

// MuteUntil suppresses activity until deadline. The override is applied on
// the next Observe or Tick.
func (c *Classifier) MuteUntil(deadline time.Time) {
	c.mutedUntil = deadline
}

// MutedUntil returns the current mute deadline.
func (c *Classifier) MutedUntil() time.Time { return c.mutedUntil }

// Muted reports whether now is before the mute deadline.
func (c *Classifier) Muted(now time.Time) bool {
	return now.Before(c.mutedUntil)
}

// Observe evaluates one completed analysis frame and returns the new state.
func (c *Classifier) Observe(now time.Time, ratioEMA, tonalityEMA float64) bool {
	if c.applyMute(now) {
		return false
	}
	p := c.params
	if !c.active {
		if ratioEMA >= p.RatioOn && tonalityEMA >= p.TonalityOn {
			if c.onStreak < p.DebounceFrames {
				c.onStreak++
			}
			if c.onStreak >= p.DebounceFrames {
				c.active = true
				c.offStreak = 0
			}
		} else {
			c.onStreak = 0
		}
		return c.active
	}

	if ratioEMA >= p.RatioHold && tonalityEMA >= p.TonalityHold {
		c.offStreak = 0
		return c.active
	}
	if c.offStreak < p.DebounceFrames {
		c.offStreak++
	}
	if c.offStreak >= p.DebounceFrames {
		c.active = false
		c.onStreak = 0
	}
	return c.active
}

// Tick applies the mute override on a call without a new frame and returns
// the current state.
func (c *Classifier) Tick(now time.Time) bool {
	if c.applyMute(now) {
		return false
	}
	return c.active
}

// Active returns the state as of the last Observe or Tick.
func (c *Classifier) Active() bool { return c.active }

// ActiveAt returns the state as it would be reported at now, without
// touching the streaks.
func (c *Classifier) ActiveAt(now time.Time) bool {
	return c.active && !c.Muted(now)
}

// Streaks returns the current on and off debounce counters.
func (c *Classifier) Streaks() (on, off int) { return c.onStreak, c.offStreak }

// Reset returns to inactive and clears the streaks. The mute deadline and
// params are kept.
func (c *Classifier) Reset() {
	c.active = false
	c.onStreak = 0
	c.offStreak = 0
}

func (c *Classifier) applyMute(now time.Time) bool {
	if !c.Muted(now) {
		return false
	}
	c.Reset()
	return true
}
