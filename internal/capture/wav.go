package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"brushmic/internal/mic"
)

// WAVSource replays a WAV file as a detector source. Multi-channel files are
// downmixed to mono and other sample rates are linearly resampled to
// SampleRate.
type WAVSource struct {
	words []int32
	pos   int

	// Pacing: when now is set, only samples whose playback time has passed
	// since Start are released, imitating a live device.
	now   func() time.Time
	start time.Time
}

// WAVOption configures a WAVSource.
type WAVOption func(*WAVSource)

// WithRealtime paces Read to the wall clock given by now.
func WithRealtime(now func() time.Time) WAVOption {
	return func(w *WAVSource) { w.now = now }
}

// OpenWAV decodes the file at path.
func OpenWAV(path string, opts ...WAVOption) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()
	return NewWAVSource(f, opts...)
}

// NewWAVSource decodes a WAV stream fully into memory.
func NewWAVSource(r io.ReadSeeker, opts ...WAVOption) (*WAVSource, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read PCM buffer: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate <= 0 {
		return nil, errors.New("WAV file has no usable format")
	}

	samples := downmix(buf)
	if buf.Format.SampleRate != SampleRate {
		samples = resample(samples, float64(buf.Format.SampleRate), SampleRate)
	}

	w := &WAVSource{words: make([]int32, len(samples))}
	for i, s := range samples {
		w.words[i] = mic.Encode(s)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// downmix averages interleaved channels into normalized mono samples.
func downmix(buf *audio.IntBuffer) []float64 {
	ch := buf.Format.NumChannels
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float64(int64(1) << (depth - 1))

	out := make([]float64, len(buf.Data)/ch)
	for i := range out {
		var sum float64
		for c := range ch {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum / float64(ch) / scale
	}
	return out
}

// resample converts between sample rates by linear interpolation.
func resample(in []float64, from, to float64) []float64 {
	ratio := to / from
	out := make([]float64, int(float64(len(in))*ratio))
	for i := range out {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := pos - float64(idx)

		var a, b float64
		if idx < len(in) {
			a = in[idx]
		}
		if idx+1 < len(in) {
			b = in[idx+1]
		} else if len(in) > 0 {
			b = in[len(in)-1]
		}
		out[i] = a + (b-a)*frac
	}
	return out
}

// samplePeriod is exact at 16 kHz, so paced playback never overflows.
const samplePeriod = time.Second / SampleRate

// Start begins playback. For paced sources it anchors the playback clock.
func (w *WAVSource) Start() error {
	if w.now != nil {
		w.start = w.now()
	}
	return nil
}

// Read copies the next samples into dst. It returns io.EOF once the whole
// file has been delivered, and ErrNotStarted for a paced source before Start.
func (w *WAVSource) Read(dst []int32) (int, error) {
	if w.pos >= len(w.words) {
		return 0, io.EOF
	}
	end := len(w.words)
	if w.now != nil {
		if w.start.IsZero() {
			return 0, ErrNotStarted
		}
		due := int(w.now().Sub(w.start) / samplePeriod)
		end = min(end, due)
	}
	if end <= w.pos {
		return 0, nil
	}
	n := copy(dst, w.words[w.pos:end])
	w.pos += n
	return n, nil
}

// Len returns the total number of samples in the file after conversion.
func (w *WAVSource) Len() int { return len(w.words) }

// Remaining returns the number of samples not yet read.
func (w *WAVSource) Remaining() int { return len(w.words) - w.pos }

// Duration returns the playback length at SampleRate.
func (w *WAVSource) Duration() time.Duration {
	return time.Duration(len(w.words)) * time.Second / SampleRate
}
