package monitor

import (
	"context"
	"log/slog"
	"time"
)

// RunReporter logs a diagnostics line every interval until ctx is canceled.
func RunReporter(ctx context.Context, m *Monitor, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := m.Snapshot()
			d := t.Detection
			slog.Info("mic diagnostics",
				"rms", t.WindowRMS,
				"dbfs", t.WindowDBFS,
				"ratio", d.Ratio,
				"ratio_ema", d.RatioEMA,
				"tonality", d.Tonality,
				"tonality_ema", d.TonalityEMA,
				"ratio_on", t.Params.RatioOn,
				"ratio_hold", t.Params.RatioHold,
				"brushing", t.Active,
				"subscribers", m.Subscribers(),
				"dropped", m.Dropped())
		}
	}
}
