package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"brushmic/internal/hysteresis"
)

// ErrProfileNotFound is returned when no threshold profile exists for a name.
var ErrProfileNotFound = errors.New("profile not found")

// ErrSettingNotFound is returned when a settings key has never been written.
var ErrSettingNotFound = errors.New("setting not found")

// SettingActiveProfile names the profile loaded at startup.
const SettingActiveProfile = "active_profile"

// Profile is a named set of detection thresholds.
type Profile struct {
	Name      string
	Params    hysteresis.Params
	UpdatedAt time.Time
	Streak    Streak
}

// Streak counts consecutive calendar days with at least one brushing session
// for a profile. Days are local dates in time.DateOnly form.
type Streak struct {
	Days    int
	LastDay string
}

// Current returns the streak as of now: Days while the last session was today
// or yesterday, 0 once a whole day has been missed.
func (s Streak) Current(now time.Time) int {
	if s.LastDay == "" {
		return 0
	}
	if s.LastDay == dayKey(now) || s.LastDay == dayKey(now.AddDate(0, 0, -1)) {
		return s.Days
	}
	return 0
}

func dayKey(t time.Time) string {
	return t.Local().Format(time.DateOnly)
}

// Session is one completed brushing episode. StartedAt and EndedAt are
// backdated by the debounce delay so they mark when brushing began and
// stopped rather than when the detector confirmed it.
type Session struct {
	ID        int64
	Profile   string
	StartedAt time.Time
	EndedAt   time.Time
	Frames    int
	PeakRMS   float64
}

// Duration returns how long the episode lasted.
func (s Session) Duration() time.Duration {
	if s.EndedAt.Before(s.StartedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Stats aggregates all persisted sessions.
type Stats struct {
	Count int
	Total time.Duration
}

// Store persists detector state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	name TEXT PRIMARY KEY,
	ratio_on REAL NOT NULL,
	ratio_hold REAL NOT NULL,
	tonality_on REAL NOT NULL,
	tonality_hold REAL NOT NULL,
	debounce_frames INTEGER NOT NULL CHECK(debounce_frames >= 1),
	updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	profile TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	frames INTEGER NOT NULL CHECK(frames >= 0),
	peak_rms REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at_unix_ms);

CREATE TABLE IF NOT EXISTS streaks (
	profile TEXT PRIMARY KEY,
	days INTEGER NOT NULL CHECK(days >= 0),
	last_day TEXT NOT NULL
);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SaveProfile creates or replaces the thresholds stored under name.
func (s *Store) SaveProfile(ctx context.Context, name string, p hysteresis.Params) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	p = p.Normalize()

	const q = `
INSERT INTO profiles (
	name, ratio_on, ratio_hold, tonality_on, tonality_hold, debounce_frames, updated_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	ratio_on = excluded.ratio_on,
	ratio_hold = excluded.ratio_hold,
	tonality_on = excluded.tonality_on,
	tonality_hold = excluded.tonality_hold,
	debounce_frames = excluded.debounce_frames,
	updated_at_unix_ms = excluded.updated_at_unix_ms
`
	_, err := s.db.ExecContext(ctx, q,
		name, p.RatioOn, p.RatioHold, p.TonalityOn, p.TonalityHold, p.DebounceFrames,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	slog.Debug("profile saved", "profile", name, "ratio_on", p.RatioOn, "ratio_hold", p.RatioHold)
	return nil
}

// Profile returns the thresholds stored under name.
func (s *Store) Profile(ctx context.Context, name string) (Profile, error) {
	const q = `
SELECT p.name, p.ratio_on, p.ratio_hold, p.tonality_on, p.tonality_hold, p.debounce_frames, p.updated_at_unix_ms,
	COALESCE(s.days, 0), COALESCE(s.last_day, '')
FROM profiles p
LEFT JOIN streaks s ON s.profile = p.name
WHERE p.name = ?
`
	row := s.db.QueryRowContext(ctx, q, strings.TrimSpace(name))
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	return p, nil
}

// Profiles returns every stored profile ordered by name.
func (s *Store) Profiles(ctx context.Context) ([]Profile, error) {
	const q = `
SELECT p.name, p.ratio_on, p.ratio_hold, p.tonality_on, p.tonality_hold, p.debounce_frames, p.updated_at_unix_ms,
	COALESCE(s.days, 0), COALESCE(s.last_day, '')
FROM profiles p
LEFT JOIN streaks s ON s.profile = p.name
ORDER BY p.name
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(sc scanner) (Profile, error) {
	var (
		p         Profile
		updatedMs int64
	)
	err := sc.Scan(
		&p.Name,
		&p.Params.RatioOn,
		&p.Params.RatioHold,
		&p.Params.TonalityOn,
		&p.Params.TonalityHold,
		&p.Params.DebounceFrames,
		&updatedMs,
		&p.Streak.Days,
		&p.Streak.LastDay,
	)
	if err != nil {
		return Profile{}, err
	}
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return p, nil
}

// SetSetting stores a key/value pair, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// GetSetting returns the value stored for key.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

// InsertSession persists a finished brushing episode and returns its ID.
func (s *Store) InsertSession(ctx context.Context, sess Session) (int64, error) {
	if sess.StartedAt.IsZero() || sess.EndedAt.IsZero() {
		return 0, fmt.Errorf("session start and end are required")
	}
	if sess.EndedAt.Before(sess.StartedAt) {
		return 0, fmt.Errorf("session ends before it starts")
	}
	if sess.Frames < 0 {
		return 0, fmt.Errorf("session frame count must be non-negative")
	}

	const q = `INSERT INTO sessions (profile, started_at_unix_ms, ended_at_unix_ms, frames, peak_rms) VALUES (?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q,
		sess.Profile, sess.StartedAt.UnixMilli(), sess.EndedAt.UnixMilli(), sess.Frames, sess.PeakRMS,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("session persisted", "session_id", id, "profile", sess.Profile, "duration", sess.Duration())
	return id, nil
}

// Sessions returns up to limit sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, profile, started_at_unix_ms, ended_at_unix_ms, frames, peak_rms
FROM sessions
ORDER BY started_at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess             Session
			startMs, endedMs int64
		)
		if err := rows.Scan(&sess.ID, &sess.Profile, &startMs, &endedMs, &sess.Frames, &sess.PeakRMS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.UnixMilli(startMs).UTC()
		sess.EndedAt = time.UnixMilli(endedMs).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionStats returns the number of sessions and their summed duration.
func (s *Store) SessionStats(ctx context.Context) (Stats, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(ended_at_unix_ms - started_at_unix_ms), 0) FROM sessions`
	var (
		count   int
		totalMs int64
	)
	if err := s.db.QueryRowContext(ctx, q).Scan(&count, &totalMs); err != nil {
		return Stats{}, fmt.Errorf("query session stats: %w", err)
	}
	return Stats{Count: count, Total: time.Duration(totalMs) * time.Millisecond}, nil
}

// Streak returns the stored streak for profile. A profile that has never
// brushed has a zero Streak.
func (s *Store) Streak(ctx context.Context, profile string) (Streak, error) {
	var st Streak
	err := s.db.QueryRowContext(ctx, `SELECT days, last_day FROM streaks WHERE profile = ?`, profile).
		Scan(&st.Days, &st.LastDay)
	if errors.Is(err, sql.ErrNoRows) {
		return Streak{}, nil
	}
	if err != nil {
		return Streak{}, fmt.Errorf("query streak: %w", err)
	}
	return st, nil
}

// RecordSessionDay marks day as brushed for profile and returns the updated
// streak. A second session on the same day leaves the count alone, a session
// on the day after the last one extends it, and anything later restarts it at 1.
func (s *Store) RecordSessionDay(ctx context.Context, profile string, day time.Time) (Streak, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Streak{}, fmt.Errorf("begin streak update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev Streak
	err = tx.QueryRowContext(ctx, `SELECT days, last_day FROM streaks WHERE profile = ?`, profile).
		Scan(&prev.Days, &prev.LastDay)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Streak{}, fmt.Errorf("query streak: %w", err)
	}

	today := dayKey(day)
	next := Streak{Days: 1, LastDay: today}
	switch {
	case prev.LastDay == today:
		next.Days = max(prev.Days, 1)
	case prev.LastDay == dayKey(day.AddDate(0, 0, -1)):
		next.Days = prev.Days + 1
	case prev.LastDay > today:
		// Clock went backwards; keep the newer record.
		return prev, nil
	}

	const q = `INSERT INTO streaks (profile, days, last_day) VALUES (?, ?, ?)
ON CONFLICT(profile) DO UPDATE SET days = excluded.days, last_day = excluded.last_day`
	if _, err := tx.ExecContext(ctx, q, profile, next.Days, next.LastDay); err != nil {
		return Streak{}, fmt.Errorf("save streak: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Streak{}, fmt.Errorf("commit streak: %w", err)
	}
	slog.Debug("streak updated", "profile", profile, "days", next.Days, "day", today)
	return next, nil
}
