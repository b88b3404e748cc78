package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"brushmic/internal/capture"
	"brushmic/internal/config"
	"brushmic/internal/httpapi"
	"brushmic/internal/mic"
	"brushmic/internal/monitor"
	"brushmic/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "Config file path (defaults to <user config dir>/brushmic/config.json)")
	addr := flag.String("addr", "", "HTTP listen address")
	dbPath := flag.String("db", "", "SQLite database path")
	device := flag.Int("device", -1, "Input device index (-1 for the default input)")
	wavPath := flag.String("wav", "", "Replay a WAV file instead of capturing live audio")
	tick := flag.Duration("tick", 0, "Detector update interval")
	profile := flag.String("profile", "", "Threshold profile name")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Load()
	if *configPath != "" {
		cfg = config.LoadFile(*configPath)
	}

	// Only flags given on the command line override the config file.
	profileFlag := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ListenAddr = *addr
		case "db":
			cfg.DBPath = *dbPath
		case "device":
			cfg.InputDeviceID = *device
		case "wav":
			cfg.WAVPath = *wavPath
		case "tick":
			cfg.TickMs = int(tick.Milliseconds())
		case "profile":
			cfg.Profile = *profile
			profileFlag = true
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if handled, err := RunCLI(ctx, os.Stdout, flag.Args(), cfg); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}

	slog.Info("starting brushmic", "version", Version, "addr", cfg.ListenAddr, "db", cfg.DBPath)
	if err := run(ctx, cfg, profileFlag); err != nil {
		slog.Error("brushmic error", "err", err)
		os.Exit(1)
	}
	slog.Info("brushmic stopped")
}

func run(ctx context.Context, cfg config.Config, pinProfile bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	name, params, err := resolveProfile(ctx, st, cfg, pinProfile)
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(cfg, true)
	if err != nil {
		return err
	}
	defer closeSrc()

	det := mic.New(src, mic.WithParams(params))
	if err := det.Begin(); err != nil {
		return fmt.Errorf("start audio source: %w", err)
	}

	mon := monitor.New(det,
		monitor.WithProfile(name),
		monitor.WithSessionSink(st),
		monitor.WithProfileSink(st),
		monitor.WithStreakSink(st),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mon.Run(ctx, cfg.Tick())
	}()
	go func() {
		defer wg.Done()
		monitor.RunReporter(ctx, mon, cfg.ReportInterval())
	}()

	err = httpapi.New(mon, st).Run(ctx, cfg.ListenAddr)
	// Stop the loops before the store closes so the last session is saved.
	cancel()
	wg.Wait()
	return err
}

// resolveProfile picks the active profile: the one last activated through
// the API unless pinned, else the configured name. A profile missing from the
// store is seeded from the config's detection params.
func resolveProfile(ctx context.Context, st *store.Store, cfg config.Config, pinned bool) (string, mic.Params, error) {
	name := strings.TrimSpace(cfg.Profile)
	if !pinned {
		if saved, err := st.GetSetting(ctx, store.SettingActiveProfile); err == nil && saved != "" {
			name = saved
		}
	}
	if name == "" {
		name = "default"
	}

	p, err := st.Profile(ctx, name)
	if errors.Is(err, store.ErrProfileNotFound) {
		params := cfg.Detection.Normalize()
		if err := st.SaveProfile(ctx, name, params); err != nil {
			return "", mic.Params{}, err
		}
		slog.Info("profile created", "profile", name)
		return name, params, nil
	}
	if err != nil {
		return "", mic.Params{}, err
	}
	slog.Info("profile loaded", "profile", name, "ratio_on", p.Params.RatioOn, "ratio_hold", p.Params.RatioHold)
	return name, p.Params, nil
}

// openSource returns the configured audio source and a cleanup func. A WAV
// path takes precedence over the capture device; realtime paces WAV replay
// against the wall clock.
func openSource(cfg config.Config, realtime bool) (mic.Source, func(), error) {
	if cfg.WAVPath != "" {
		var opts []capture.WAVOption
		if realtime {
			opts = append(opts, capture.WithRealtime(time.Now))
		}
		src, err := capture.OpenWAV(cfg.WAVPath, opts...)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("replaying wav", "path", cfg.WAVPath, "duration", src.Duration(), "realtime", realtime)
		return src, func() {}, nil
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("portaudio init: %w", err)
	}
	stream := capture.NewStream(cfg.InputDeviceID)
	cleanup := func() {
		stream.Stop()
		if n := stream.Dropped(); n > 0 {
			slog.Warn("capture blocks dropped", "count", n)
		}
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("portaudio terminate", "err", err)
		}
	}
	return stream, cleanup, nil
}
