// Package monitor drives a mic.Detector on a fixed tick and shares its output
// with the rest of the process: session bookkeeping, threshold persistence and
// a telemetry fan-out for HTTP and WebSocket clients.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"brushmic/internal/mic"
	"brushmic/internal/store"
)

// DefaultTick matches the firmware loop period.
const DefaultTick = 20 * time.Millisecond

// SessionSink receives completed brushing sessions.
type SessionSink interface {
	InsertSession(ctx context.Context, sess store.Session) (int64, error)
}

// ProfileSink persists threshold changes under a profile name.
type ProfileSink interface {
	SaveProfile(ctx context.Context, name string, p mic.Params) error
}

// StreakSink keeps the per-profile daily brushing streak.
type StreakSink interface {
	Streak(ctx context.Context, profile string) (store.Streak, error)
	RecordSessionDay(ctx context.Context, profile string, day time.Time) (store.Streak, error)
}

// Telemetry is one published detector snapshot.
type Telemetry struct {
	Time         time.Time  `json:"time"`
	Detection    mic.Result `json:"detection"`
	Active       bool       `json:"active"`
	SampleRMS    float64    `json:"sample_rms"`
	WindowRMS    float64    `json:"window_rms"`
	WindowDBFS   float64    `json:"window_dbfs"`
	MutedUntilMs int64      `json:"muted_until_ms,omitempty"`
	Profile      string     `json:"profile"`
	Params       mic.Params `json:"params"`
	InSession    bool       `json:"in_session"`
	Streak       int        `json:"streak"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for session timestamps. It should be the
// same clock the detector was built with.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithSessionSink persists sessions when they close.
func WithSessionSink(s SessionSink) Option {
	return func(m *Monitor) { m.sessions = s }
}

// WithProfileSink persists parameter changes made through SetParams.
func WithProfileSink(p ProfileSink) Option {
	return func(m *Monitor) { m.profiles = p }
}

// WithStreakSink tracks the daily streak of the active profile.
func WithStreakSink(s StreakSink) Option {
	return func(m *Monitor) { m.streaks = s }
}

// WithProfile names the active threshold profile.
func WithProfile(name string) Option {
	return func(m *Monitor) { m.profile = name }
}

// Monitor serializes access to a single detector.
type Monitor struct {
	mu       sync.Mutex
	det      *mic.Detector
	now      func() time.Time
	profile  string
	sessions SessionSink
	profiles ProfileSink
	streaks  StreakSink
	streak   store.Streak
	open     *store.Session
	last     Telemetry

	subMu   sync.Mutex
	subs    map[int]chan Telemetry
	nextSub int
	dropped atomic.Uint64
}

// New wraps det. The detector must already have been started with Begin.
func New(det *mic.Detector, opts ...Option) *Monitor {
	m := &Monitor{
		det:     det,
		now:     time.Now,
		profile: "default",
		subs:    make(map[int]chan Telemetry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.streak = m.loadStreak(context.Background(), m.profile)
	m.last = m.snapshotLocked(m.det.LastDetection())
	return m
}

func (m *Monitor) loadStreak(ctx context.Context, profile string) store.Streak {
	if m.streaks == nil {
		return store.Streak{}
	}
	st, err := m.streaks.Streak(ctx, profile)
	if err != nil {
		slog.Warn("load streak failed", "profile", profile, "err", err)
	}
	return st
}

// Run calls Step every tick until ctx is canceled, then closes any open
// session.
func (m *Monitor) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Info("monitor started", "tick", tick, "profile", m.Profile())
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.WithoutCancel(ctx))
			slog.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Step(ctx)
		}
	}
}

// Step runs one detector update, tracks session edges and publishes the
// resulting telemetry.
func (m *Monitor) Step(ctx context.Context) Telemetry {
	m.mu.Lock()
	wasActive := m.last.Detection.Brushing
	res := m.det.Update(0, 0)
	now := m.now()

	// Debounced edges are confirmed DebounceFrames frames after the sound
	// changed; a mute ends the session immediately.
	lag := time.Duration(m.det.DetectionParams().DebounceFrames) * mic.FrameDuration

	var closed *store.Session
	switch {
	case res.Brushing && !wasActive:
		m.open = &store.Session{Profile: m.profile, StartedAt: now.Add(-lag)}
		slog.Debug("brushing started", "profile", m.profile, "ratio_ema", res.RatioEMA)
	case !res.Brushing && wasActive && m.open != nil:
		end := now
		if !m.det.MutedUntil().After(now) {
			end = now.Add(-lag)
		}
		if end.Before(m.open.StartedAt) {
			end = m.open.StartedAt
		}
		m.open.EndedAt = end
		closed = m.open
		m.open = nil
	}
	if m.open != nil && res.FrameValid {
		m.open.Frames++
		m.open.PeakRMS = math.Max(m.open.PeakRMS, res.RMS)
	}

	t := m.snapshotLocked(res)
	m.last = t
	m.mu.Unlock()

	if closed != nil {
		m.persist(ctx, *closed)
	}
	m.publish(t)
	return t
}

// Flush closes an open session, if any, and persists it.
func (m *Monitor) Flush(ctx context.Context) {
	m.mu.Lock()
	closed := m.open
	m.open = nil
	if closed != nil {
		closed.EndedAt = m.now()
	}
	m.mu.Unlock()

	if closed != nil {
		m.persist(ctx, *closed)
	}
}

func (m *Monitor) persist(ctx context.Context, sess store.Session) {
	slog.Info("brushing session ended",
		"profile", sess.Profile,
		"duration", sess.Duration().Round(time.Millisecond),
		"frames", sess.Frames,
		"peak_rms", sess.PeakRMS)
	if m.sessions != nil {
		if _, err := m.sessions.InsertSession(ctx, sess); err != nil {
			slog.Warn("persist session failed", "err", err)
		}
	}
	if m.streaks == nil {
		return
	}
	st, err := m.streaks.RecordSessionDay(ctx, sess.Profile, sess.StartedAt)
	if err != nil {
		slog.Warn("update streak failed", "profile", sess.Profile, "err", err)
		return
	}
	m.mu.Lock()
	if m.profile == sess.Profile {
		m.streak = st
		m.last.Streak = st.Current(m.now())
	}
	m.mu.Unlock()
	slog.Info("brushing streak", "profile", sess.Profile, "days", st.Days)
}

func (m *Monitor) snapshotLocked(res mic.Result) Telemetry {
	t := Telemetry{
		Time:       m.now(),
		Detection:  res,
		Active:     m.det.BrushingActive(),
		SampleRMS:  m.det.SampleRMS(),
		WindowRMS:  m.det.WindowedRMS(),
		WindowDBFS: m.det.WindowedDBFS(),
		Profile:    m.profile,
		Params:     m.det.DetectionParams(),
		InSession:  m.open != nil,
	}
	t.Streak = m.streak.Current(t.Time)
	if until := m.det.MutedUntil(); until.After(t.Time) {
		t.MutedUntilMs = until.UnixMilli()
	}
	return t
}

// Snapshot returns the most recent telemetry.
func (m *Monitor) Snapshot() Telemetry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Params returns the active thresholds.
func (m *Monitor) Params() mic.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.det.DetectionParams()
}

// Profile returns the active profile name.
func (m *Monitor) Profile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// SetParams replaces the thresholds and persists them under the active
// profile when a ProfileSink is configured. The stored value is returned.
func (m *Monitor) SetParams(ctx context.Context, p mic.Params) (mic.Params, error) {
	m.mu.Lock()
	m.det.SetDetectionParams(p)
	applied := m.det.DetectionParams()
	m.last.Params = applied
	name := m.profile
	m.mu.Unlock()

	slog.Info("detection params updated", "profile", name,
		"ratio_on", applied.RatioOn, "ratio_hold", applied.RatioHold,
		"tonality_on", applied.TonalityOn, "tonality_hold", applied.TonalityHold,
		"debounce", applied.DebounceFrames)
	if m.profiles == nil {
		return applied, nil
	}
	return applied, m.profiles.SaveProfile(ctx, name, applied)
}

// UseProfile switches to a named profile with the given thresholds without
// persisting anything. An open session keeps the profile it started with.
func (m *Monitor) UseProfile(name string, p mic.Params) {
	streak := m.loadStreak(context.Background(), name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = name
	m.streak = streak
	m.det.SetDetectionParams(p)
	m.last.Profile = name
	m.last.Params = m.det.DetectionParams()
	m.last.Streak = streak.Current(m.now())
}

// Streak returns the active profile's current daily streak.
func (m *Monitor) Streak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak.Current(m.now())
}

// Mute suppresses detection for d from now. Non-positive d clears the mute.
func (m *Monitor) Mute(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	var until time.Time
	if d > 0 {
		until = m.now().Add(d)
	}
	m.det.MuteUntil(until)
	return until
}

// Subscribe registers a telemetry listener with the given channel buffer.
// Slow listeners miss updates rather than block the tick loop. The returned
// cancel func unregisters and closes the channel; it is safe to call twice.
func (m *Monitor) Subscribe(buf int) (<-chan Telemetry, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Telemetry, buf)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of registered listeners.
func (m *Monitor) Subscribers() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subs)
}

// Dropped returns how many telemetry deliveries were skipped because a
// listener's buffer was full.
func (m *Monitor) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Monitor) publish(t Telemetry) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.dropped.Add(1)
		}
	}
}
