package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"brushmic/internal/capture"
	"brushmic/internal/config"
	"brushmic/internal/store"
)

// cliConfig returns a default config pointing at a fresh database path.
func cliConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "brushmic.db")
	return cfg
}

func runCLI(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	handled, err := RunCLI(context.Background(), &out, args, cfg)
	if !handled {
		t.Fatalf("RunCLI(%v) not handled", args)
	}
	return out.String(), err
}

// writeClip encodes segments of (frequency, seconds) as a 16 kHz 16-bit WAV.
// Frequency 0 is silence.
func writeClip(t *testing.T, segments ...[2]float64) string {
	t.Helper()
	var data []int
	for _, seg := range segments {
		n := int(seg[1] * capture.SampleRate)
		for i := 0; i < n; i++ {
			v := 0.0
			if seg[0] > 0 {
				v = 0.4 * math.Sin(2*math.Pi*seg[0]*float64(i)/capture.SampleRate)
			}
			data = append(data, int(v*32767))
		}
	}

	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, capture.SampleRate, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: capture.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	return path
}

func TestRunCLIUnknown(t *testing.T) {
	handled, err := RunCLI(context.Background(), &bytes.Buffer{}, []string{"bogus"}, config.Default())
	if handled || err != nil {
		t.Fatalf("expected unhandled, got handled=%v err=%v", handled, err)
	}
	handled, _ = RunCLI(context.Background(), &bytes.Buffer{}, nil, config.Default())
	if handled {
		t.Fatal("no args should not be handled")
	}
}

func TestCLIVersion(t *testing.T) {
	out, err := runCLI(t, config.Default(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("expected version in output, got %q", out)
	}
}

func TestCLIProfiles(t *testing.T) {
	cfg := cliConfig(t)

	out, err := runCLI(t, cfg, "profiles")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No profiles") {
		t.Fatalf("expected empty listing, got %q", out)
	}

	if _, err := runCLI(t, cfg, "profiles", "set", "kids", "2.2", "1.6", "0.6", "0.5", "0"); err != nil {
		t.Fatalf("profiles set: %v", err)
	}
	if _, err := runCLI(t, cfg, "profiles", "use", "kids"); err != nil {
		t.Fatalf("profiles use: %v", err)
	}

	out, err = runCLI(t, cfg, "profiles", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "* kids ratio_on=2.2") || !strings.Contains(out, "debounce=1") {
		t.Fatalf("unexpected listing: %q", out)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if v, err := st.GetSetting(context.Background(), store.SettingActiveProfile); err != nil || v != "kids" {
		t.Fatalf("active profile: %q %v", v, err)
	}
}

func TestCLIProfilesShowStreak(t *testing.T) {
	cfg := cliConfig(t)
	if _, err := runCLI(t, cfg, "profiles", "set", "kids", "1.8", "1.4", "0.55", "0.45", "5"); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i := 2; i >= 0; i-- {
		if _, err := st.RecordSessionDay(context.Background(), "kids", now.AddDate(0, 0, -i)); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Close()

	out, err := runCLI(t, cfg, "profiles", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "kids") || !strings.Contains(out, "streak=3") {
		t.Fatalf("expected streak in listing, got %q", out)
	}
}

func TestCLIProfilesErrors(t *testing.T) {
	cfg := cliConfig(t)
	if _, err := runCLI(t, cfg, "profiles", "use", "missing"); err == nil {
		t.Error("expected error for missing profile")
	}
	if _, err := runCLI(t, cfg, "profiles", "set", "p", "x", "1", "1", "1", "1"); err == nil {
		t.Error("expected error for bad threshold")
	}
	if _, err := runCLI(t, cfg, "profiles", "set", "p", "-1", "1", "1", "1", "1"); err == nil {
		t.Error("expected error for negative threshold")
	}
	if _, err := runCLI(t, cfg, "profiles", "frobnicate"); err == nil {
		t.Error("expected usage error")
	}
}

func TestCLISessions(t *testing.T) {
	cfg := cliConfig(t)

	out, err := runCLI(t, cfg, "sessions")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No sessions") {
		t.Fatalf("expected empty listing, got %q", out)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now().Add(-time.Hour)
	if _, err := st.InsertSession(context.Background(), store.Session{
		Profile: "default", StartedAt: start, EndedAt: start.Add(2 * time.Minute), Frames: 3750, PeakRMS: 0.25,
	}); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	out, err = runCLI(t, cfg, "sessions", "5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2m0s") || !strings.Contains(out, "Total: 1 sessions") {
		t.Fatalf("unexpected listing: %q", out)
	}

	if _, err := runCLI(t, cfg, "sessions", "zero"); err == nil {
		t.Fatal("expected error for bad count")
	}
}

func TestCLIAnalyzeFindsEpisode(t *testing.T) {
	clip := writeClip(t, [2]float64{0, 1}, [2]float64{240, 2}, [2]float64{0, 1})

	out, err := runCLI(t, config.Default(), "analyze", clip)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, "1 brushing episode(s)") {
		t.Fatalf("expected one episode, got %q", out)
	}
	if !strings.Contains(out, "#1  1.") {
		t.Fatalf("expected episode to start after the first second, got %q", out)
	}
}

func TestCLIAnalyzeRejectsHum(t *testing.T) {
	clip := writeClip(t, [2]float64{120, 2})

	out, err := runCLI(t, config.Default(), "analyze", clip)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, "0 brushing episode(s)") {
		t.Fatalf("expected no episodes, got %q", out)
	}
}

func TestCLIAnalyzeUsage(t *testing.T) {
	if _, err := runCLI(t, config.Default(), "analyze"); err == nil {
		t.Fatal("expected usage error")
	}
	if _, err := runCLI(t, config.Default(), "analyze", filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCLIRecordFromWAV(t *testing.T) {
	cfg := cliConfig(t)
	cfg.WAVPath = writeClip(t, [2]float64{240, 1})
	outPath := filepath.Join(t.TempDir(), "rec.wav")

	out, err := runCLI(t, cfg, "record", outPath, "0.5")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !strings.Contains(out, "Recorded 8000 samples") {
		t.Fatalf("unexpected output: %q", out)
	}

	src, err := capture.OpenWAV(outPath)
	if err != nil {
		t.Fatalf("reopen recording: %v", err)
	}
	if src.Len() != 8000 {
		t.Fatalf("recorded length: got %d", src.Len())
	}
}

func TestCLIRecordUsage(t *testing.T) {
	cfg := cliConfig(t)
	if _, err := runCLI(t, cfg, "record", "x.wav"); err == nil {
		t.Fatal("expected usage error")
	}
	if _, err := runCLI(t, cfg, "record", "x.wav", "-2"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestResolveProfile(t *testing.T) {
	cfg := cliConfig(t)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	name, p, err := resolveProfile(ctx, st, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if name != "default" || p != cfg.Detection {
		t.Fatalf("unexpected seed: %s %+v", name, p)
	}
	if _, err := st.Profile(ctx, "default"); err != nil {
		t.Fatalf("default profile not seeded: %v", err)
	}

	strict := cfg.Detection
	strict.RatioOn = 4
	if err := st.SaveProfile(ctx, "strict", strict); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSetting(ctx, store.SettingActiveProfile, "strict"); err != nil {
		t.Fatal(err)
	}

	name, p, err = resolveProfile(ctx, st, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if name != "strict" || p.RatioOn != 4 {
		t.Fatalf("saved active profile not used: %s %+v", name, p)
	}

	name, _, err = resolveProfile(ctx, st, cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if name != "default" {
		t.Fatalf("pinned profile should win, got %s", name)
	}
}
