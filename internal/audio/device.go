// Package audio provides the playback/recording device contract used by the
// call state machine, a portaudio-backed implementation and the WAV
// container helpers shared with recording validation.
package audio

import (
	"context"
	"time"
)

// Device is the playback/recording surface the call flow depends on.
// Implementations must tolerate StopRecording/StopPlayback without a
// matching start and must support interrupting playback mid-stream.
type Device interface {
	// StartRecording begins capturing to the WAV file at path. It returns
	// once capture is running; samples are written in the background until
	// StopRecording is called.
	StartRecording(path string) error

	// StopRecording stops an active capture and finalizes the file. Calling
	// it with no capture active is a no-op.
	StopRecording() error

	// PlayAudio plays the WAV file at path, scaled by volume (0..1), after
	// startDelay. It blocks until playback finishes, the context is
	// cancelled or StopPlayback is called.
	PlayAudio(ctx context.Context, path string, volume float64, startDelay time.Duration) error

	// StopPlayback interrupts an in-flight PlayAudio, if any.
	StopPlayback()

	// MinimumFileSizeBytes is the smallest recording worth keeping.
	MinimumFileSizeBytes() int64

	// MinimumMessageDuration is the shortest recording worth keeping.
	MinimumMessageDuration() time.Duration
}
