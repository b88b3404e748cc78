// Package capture provides PCM sources for the brushing detector: a live
// PortAudio input stream and a WAV file replay, both delivering 32-bit
// container words with 24-bit samples in the upper bits, plus a recorder for
// collecting calibration clips.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const (
	// SampleRate is the capture rate requested from the device.
	SampleRate = 16000

	// BlockSize is the number of frames per PortAudio read.
	BlockSize = 512

	// QueueBlocks bounds how many unread blocks are buffered between the
	// capture goroutine and the reader (~256 ms at 16 kHz). When full the
	// oldest block is dropped.
	QueueBlocks = 8

	channels = 1
)

// ErrNotStarted is returned by Read before Start has been called.
var ErrNotStarted = errors.New("capture source not started")

// Device describes an available audio input device.
type Device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// opener opens an input stream that fills buf on every Read. It returns the
// resolved device name for logging.
type opener func(deviceID int, buf []int32) (paStream, string, error)

// Stream is a live microphone source. The capture goroutine blocks in
// PortAudio; Read never does.
type Stream struct {
	mu       sync.Mutex
	deviceID int
	open     opener
	stream   paStream
	queue    [][]int32
	partial  []int32
	err      error // terminal capture error, reported once the queue drains

	started atomic.Bool
	running atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewStream returns a Stream for the input device at index deviceID. A
// negative or out-of-range index selects the default input device.
// portaudio.Initialize must have been called.
func NewStream(deviceID int) *Stream {
	return &Stream{deviceID: deviceID, open: openPortAudio}
}

// ListInputDevices returns available audio input devices.
func ListInputDevices() []Device {
	devices, err := portaudio.Devices()
	if err != nil {
		slog.Warn("list input devices", "err", err)
		return nil
	}
	var out []Device
	for i, d := range devices {
		if d.MaxInputChannels > 0 {
			out = append(out, Device{ID: i, Name: d.Name})
		}
	}
	return out
}

func openPortAudio(deviceID int, buf []int32) (paStream, string, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, "", fmt.Errorf("list devices: %w", err)
	}
	dev, err := resolveDevice(devices, deviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, "", fmt.Errorf("resolve input device: %w", err)
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: len(buf),
	}
	st, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, "", fmt.Errorf("open input stream: %w", err)
	}
	return st, dev.Name, nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Start opens the device and begins capturing. Calling Start on a running
// stream is a no-op.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	buf := make([]int32, BlockSize)
	st, name, err := s.open(s.deviceID, buf)
	if err != nil {
		return err
	}
	if err := st.Start(); err != nil {
		st.Close()
		return fmt.Errorf("start input stream: %w", err)
	}

	s.stream = st
	s.queue = s.queue[:0]
	s.partial = nil
	s.err = nil
	s.started.Store(true)
	s.running.Store(true)

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.captureLoop(st, buf) }()

	slog.Info("capture started", "device", name, "sample_rate", SampleRate)
	return nil
}

func (s *Stream) captureLoop(st paStream, buf []int32) {
	for s.running.Load() {
		if err := st.Read(); err != nil {
			if s.running.Load() {
				slog.Warn("capture read", "err", err)
				s.mu.Lock()
				s.err = fmt.Errorf("capture read: %w", err)
				s.mu.Unlock()
			}
			return
		}
		block := make([]int32, len(buf))
		copy(block, buf)
		s.push(block)
	}
}

func (s *Stream) push(block []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= QueueBlocks {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, block)
}

// Read copies buffered container words into dst without blocking. It
// returns 0 when nothing is buffered. Once the capture goroutine has failed
// and the buffer is drained, the failure is returned.
func (s *Stream) Read(dst []int32) (int, error) {
	if !s.started.Load() {
		return 0, ErrNotStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(dst) {
		if len(s.partial) == 0 {
			if len(s.queue) == 0 {
				break
			}
			s.partial = s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		c := copy(dst[n:], s.partial)
		s.partial = s.partial[c:]
		n += c
	}
	if n == 0 && s.err != nil {
		return 0, s.err
	}
	return n, nil
}

// Buffered returns the number of container words waiting to be read.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.partial)
	for _, b := range s.queue {
		n += len(b)
	}
	return n
}

// Dropped returns how many blocks were discarded because the reader fell
// behind.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Stop halts capture and releases the device.
//
// Pa_StopStream unblocks a pending Pa_ReadStream, so the stream is stopped
// first, the goroutine waited for, and only then closed.
func (s *Stream) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		st.Stop()
	}

	s.wg.Wait()

	s.mu.Lock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.mu.Unlock()
	slog.Info("capture stopped", "dropped_blocks", s.dropped.Load())
}
