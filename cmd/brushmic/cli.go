package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gordonklaus/portaudio"

	"brushmic/internal/capture"
	"brushmic/internal/config"
	"brushmic/internal/mic"
	"brushmic/internal/monitor"
	"brushmic/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(ctx context.Context, w io.Writer, args []string, cfg config.Config) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}

	switch args[0] {
	case "version":
		fmt.Fprintf(w, "brushmic %s\n", Version)
		return true, nil
	case "devices":
		return true, cliDevices(w)
	case "profiles":
		return true, cliProfiles(ctx, w, args[1:], cfg.DBPath)
	case "sessions":
		return true, cliSessions(ctx, w, args[1:], cfg.DBPath)
	case "record":
		return true, cliRecord(ctx, w, args[1:], cfg)
	case "analyze":
		return true, cliAnalyze(ctx, w, args[1:], cfg)
	default:
		return false, nil
	}
}

func cliDevices(w io.Writer) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devices := capture.ListInputDevices()
	if len(devices) == 0 {
		fmt.Fprintln(w, "No input devices found.")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintf(w, "  [%d] %s\n", d.ID, d.Name)
	}
	return nil
}

func cliProfiles(ctx context.Context, w io.Writer, args []string, dbPath string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		profiles, err := st.Profiles(ctx)
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Fprintln(w, "No profiles found.")
			return nil
		}
		active, _ := st.GetSetting(ctx, store.SettingActiveProfile)
		now := time.Now()
		for _, p := range profiles {
			marker := " "
			if p.Name == active {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s ratio_on=%g ratio_hold=%g tonality_on=%g tonality_hold=%g debounce=%d streak=%d\n",
				marker, p.Name, p.Params.RatioOn, p.Params.RatioHold,
				p.Params.TonalityOn, p.Params.TonalityHold, p.Params.DebounceFrames,
				p.Streak.Current(now))
		}
		return nil
	}

	switch {
	case args[0] == "set" && len(args) == 7:
		p, err := parseParams(args[2:])
		if err != nil {
			return err
		}
		if err := st.SaveProfile(ctx, args[1], p); err != nil {
			return err
		}
		fmt.Fprintf(w, "Saved profile %q\n", args[1])
		return nil

	case args[0] == "use" && len(args) == 2:
		if _, err := st.Profile(ctx, args[1]); err != nil {
			return fmt.Errorf("profile %q: %w", args[1], err)
		}
		if err := st.SetSetting(ctx, store.SettingActiveProfile, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(w, "Active profile is now %q\n", args[1])
		return nil
	}

	return errors.New("usage: brushmic profiles [list|set <name> <ratioOn> <ratioHold> <tonalityOn> <tonalityHold> <debounce>|use <name>]")
}

func parseParams(args []string) (mic.Params, error) {
	var vals [4]float64
	for i := range vals {
		v, err := strconv.ParseFloat(args[i], 64)
		if err != nil || v < 0 {
			return mic.Params{}, fmt.Errorf("invalid threshold %q", args[i])
		}
		vals[i] = v
	}
	debounce, err := strconv.Atoi(args[4])
	if err != nil || debounce < 0 {
		return mic.Params{}, fmt.Errorf("invalid debounce %q", args[4])
	}
	return mic.Params{
		RatioOn:        vals[0],
		RatioHold:      vals[1],
		TonalityOn:     vals[2],
		TonalityHold:   vals[3],
		DebounceFrames: debounce,
	}.Normalize(), nil
}

func cliSessions(ctx context.Context, w io.Writer, args []string, dbPath string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid session count %q", args[0])
		}
		limit = n
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.Sessions(ctx, limit)
	if err != nil {
		return err
	}
	stats, err := st.SessionStats(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "  [%d] %s  %s  profile=%s peak_rms=%.3f\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.Duration().Round(time.Second), s.Profile, s.PeakRMS)
	}
	fmt.Fprintf(w, "Total: %d sessions, %s\n", stats.Count, stats.Total.Round(time.Second))
	return nil
}

func cliRecord(ctx context.Context, w io.Writer, args []string, cfg config.Config) error {
	if len(args) != 2 {
		return errors.New("usage: brushmic record <path> <seconds>")
	}
	secs, err := strconv.ParseFloat(args[1], 64)
	if err != nil || secs <= 0 {
		return fmt.Errorf("invalid duration %q", args[1])
	}

	src, closeSrc, err := openSource(cfg, false)
	if err != nil {
		return err
	}
	defer closeSrc()
	if err := src.Start(); err != nil {
		return fmt.Errorf("start audio source: %w", err)
	}

	n, err := capture.Record(ctx, src, args[0], time.Duration(secs*float64(time.Second)))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Recorded %d samples (%s) to %s\n",
		n, time.Duration(n)*time.Second/capture.SampleRate, args[0])
	return nil
}

// episodeLog collects sessions from an offline run.
type episodeLog struct {
	sessions []store.Session
}

func (l *episodeLog) InsertSession(_ context.Context, s store.Session) (int64, error) {
	l.sessions = append(l.sessions, s)
	return int64(len(l.sessions)), nil
}

// cliAnalyze runs the detector over a WAV file as fast as it decodes and
// prints the brushing episodes it finds. Time is simulated at one frame per
// step so debounce and EMA behave as they would live.
func cliAnalyze(ctx context.Context, w io.Writer, args []string, cfg config.Config) error {
	if len(args) != 1 {
		return errors.New("usage: brushmic analyze <wav>")
	}
	src, err := capture.OpenWAV(args[0])
	if err != nil {
		return err
	}

	origin := time.Unix(0, 0).UTC()
	clock := origin
	now := func() time.Time { return clock }

	det := mic.New(src, mic.WithClock(now), mic.WithParams(cfg.Detection))
	if err := det.Begin(); err != nil {
		return err
	}
	episodes := &episodeLog{}
	mon := monitor.New(det,
		monitor.WithClock(now),
		monitor.WithProfile(cfg.Profile),
		monitor.WithSessionSink(episodes),
	)

	frames := 0
	for ctx.Err() == nil {
		clock = clock.Add(mic.FrameDuration)
		t := mon.Step(ctx)
		if !t.Detection.FrameValid && src.Remaining() == 0 {
			break
		}
		frames++
	}
	mon.Flush(ctx)

	fmt.Fprintf(w, "Analyzed %s (%d frames)\n", src.Duration().Round(time.Millisecond), frames)
	var total time.Duration
	for i, s := range episodes.sessions {
		total += s.Duration()
		fmt.Fprintf(w, "  #%d  %s - %s  (%s, peak_rms=%.3f)\n", i+1,
			s.StartedAt.Sub(origin).Round(time.Millisecond),
			s.EndedAt.Sub(origin).Round(time.Millisecond),
			s.Duration().Round(time.Millisecond), s.PeakRMS)
	}
	fmt.Fprintf(w, "%d brushing episode(s), %s total\n", len(episodes.sessions), total.Round(time.Millisecond))
	return nil
}
