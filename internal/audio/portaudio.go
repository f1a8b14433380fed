package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/config"
	hblog "github.com/mkaserer/hookbook/internal/log"
)

const framesPerBuffer = 1024

// PortAudioDevice implements Device on top of portaudio with 16-bit PCM
// capture and playback. One capture and one playback may be active at a
// time; the call state machine guarantees that by construction, the mutex
// here only protects the handles.
type PortAudioDevice struct {
	cfg    config.AudioConfig
	logger zerolog.Logger

	mu       sync.Mutex
	rec      *capture
	playStop context.CancelFunc
}

type capture struct {
	stream *portaudio.Stream
	writer *Writer
	stop   chan struct{}
	done   chan struct{}
}

// NewPortAudioDevice initialises portaudio and returns a ready device.
// Close must be called on shutdown to release the host API.
func NewPortAudioDevice(cfg config.AudioConfig) (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioDevice{
		cfg:    cfg,
		logger: hblog.WithComponent("audio"),
	}, nil
}

// Close releases the portaudio host API.
func (d *PortAudioDevice) Close() error {
	d.StopPlayback()
	_ = d.StopRecording()
	return portaudio.Terminate()
}

// MinimumFileSizeBytes implements Device.
func (d *PortAudioDevice) MinimumFileSizeBytes() int64 {
	return d.cfg.MinimumFileSizeBytes
}

// MinimumMessageDuration implements Device.
func (d *PortAudioDevice) MinimumMessageDuration() time.Duration {
	return d.cfg.MinimumMessageDuration
}

// StartRecording implements Device.
func (d *PortAudioDevice) StartRecording(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		return errors.New("recording already active")
	}

	writer, err := NewWriter(path, d.cfg.SampleRate, d.cfg.Channels)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}

	buf := make([]int16, framesPerBuffer*d.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(
		d.cfg.Channels, 0, float64(d.cfg.SampleRate), framesPerBuffer, buf)
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = writer.Close()
		return fmt.Errorf("start capture stream: %w", err)
	}

	rec := &capture{
		stream: stream,
		writer: writer,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.rec = rec

	go func() {
		defer close(rec.done)
		for {
			select {
			case <-rec.stop:
				return
			default:
			}
			if err := stream.Read(); err != nil {
				d.logger.Debug().Err(err).Str("event", "audio.capture_read").Msg("capture read ended")
				return
			}
			if err := writer.WriteSamples(buf); err != nil {
				d.logger.Error().Err(err).Str("event", "audio.capture_write_failed").Msg("dropping capture")
				return
			}
		}
	}()

	d.logger.Info().Str("event", "audio.recording_started").Str("path", path).Msg("recording started")
	return nil
}

// StopRecording implements Device.
func (d *PortAudioDevice) StopRecording() error {
	d.mu.Lock()
	rec := d.rec
	d.rec = nil
	d.mu.Unlock()
	if rec == nil {
		return nil
	}

	close(rec.stop)
	_ = rec.stream.Abort()
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		d.logger.Warn().Str("event", "audio.capture_stop_timeout").Msg("capture loop did not stop in time")
	}
	_ = rec.stream.Close()
	if err := rec.writer.Close(); err != nil {
		return fmt.Errorf("finalize recording: %w", err)
	}
	d.logger.Info().Str("event", "audio.recording_stopped").Msg("recording stopped")
	return nil
}

// StopPlayback implements Device.
func (d *PortAudioDevice) StopPlayback() {
	d.mu.Lock()
	stop := d.playStop
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// PlayAudio implements Device.
func (d *PortAudioDevice) PlayAudio(ctx context.Context, path string, volume float64, startDelay time.Duration) error {
	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.playStop = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.playStop = nil
		d.mu.Unlock()
	}()

	if startDelay > 0 {
		select {
		case <-time.After(startDelay):
		case <-playCtx.Done():
			return playCtx.Err()
		}
	}

	info, samples, err := ReadSamples(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	if volume != 1 {
		for i, s := range samples {
			samples[i] = int16(float64(s) * volume)
		}
	}

	buf := make([]int16, framesPerBuffer*info.Channels)
	stream, err := portaudio.OpenDefaultStream(
		0, info.Channels, float64(info.SampleRate), framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start playback stream: %w", err)
	}
	defer func() {
		_ = stream.Stop()
	}()

	d.logger.Debug().Str("event", "audio.playback_started").Str("path", path).Msg("playback started")
	for off := 0; off < len(samples); off += len(buf) {
		select {
		case <-playCtx.Done():
			d.logger.Debug().Str("event", "audio.playback_interrupted").Str("path", path).Msg("playback interrupted")
			return playCtx.Err()
		default:
		}
		n := copy(buf, samples[off:])
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write playback buffer: %w", err)
		}
	}
	return nil
}
