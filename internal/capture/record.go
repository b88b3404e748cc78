package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"brushmic/internal/mic"
)

const (
	recordBitDepth = 24
	wavFormatPCM   = 1
	pollInterval   = 10 * time.Millisecond
)

// Record captures dur of audio from src into a 24-bit mono WAV at path. src
// must already be started. Recording ends early, keeping what was captured,
// when ctx is cancelled or src returns an error.
func Record(ctx context.Context, src mic.Source, path string, dur time.Duration) (int, error) {
	want := int(dur.Seconds() * SampleRate)
	if want <= 0 {
		return 0, fmt.Errorf("record duration must be positive: %v", dur)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, SampleRate, recordBitDepth, channels, wavFormatPCM)
	data := make([]int, 0, want)
	chunk := make([]int32, BlockSize)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

loop:
	for len(data) < want {
		n, err := src.Read(chunk[:min(len(chunk), want-len(data))])
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("record read", "err", err)
			}
			break
		}
		for _, raw := range chunk[:n] {
			data = append(data, int(raw>>8))
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: recordBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return 0, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("close wav: %w", err)
	}
	slog.Info("recording saved", "path", path, "samples", len(data))
	return len(data), nil
}
