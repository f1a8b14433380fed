package call

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/audio"
	hblog "github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/metrics"
)

// Validator decides whether a finished recording is worth keeping. Invalid
// files are deleted on the spot so nothing downstream ever sees them.
type Validator struct {
	minSize     int64
	minDuration time.Duration
	logger      zerolog.Logger
}

// NewValidator creates a validator with the given thresholds.
func NewValidator(minSize int64, minDuration time.Duration) *Validator {
	return &Validator{
		minSize:     minSize,
		minDuration: minDuration,
		logger:      hblog.WithComponent("call.validator"),
	}
}

// Validate checks path against both thresholds and returns whether the file
// was kept, plus its size and duration for metadata initialization. A file
// that fails either threshold is deleted. A file whose WAV header cannot be
// read after passing the size check is kept; duration is the secondary
// signal. Calling Validate twice on an unchanged kept file yields the same
// answer.
func (v *Validator) Validate(path string) (keep bool, size int64, duration time.Duration, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0, 0, fmt.Errorf("stat recording: %w", err)
	}
	size = info.Size()

	if size < v.minSize {
		v.discard(path, "too_small", size, 0)
		return false, size, 0, nil
	}

	wavInfo, err := audio.ReadInfo(path)
	if err != nil {
		v.logger.Warn().
			Err(err).
			Str("event", "call.header_unreadable").
			Str("path", path).
			Msg("recording header unreadable, keeping on size alone")
		return true, size, 0, nil
	}
	duration = wavInfo.Duration()

	if duration < v.minDuration {
		v.discard(path, "too_short", size, duration)
		return false, size, duration, nil
	}
	return true, size, duration, nil
}

func (v *Validator) discard(path, reason string, size int64, duration time.Duration) {
	if err := os.Remove(path); err != nil {
		v.logger.Warn().Err(err).Str("path", path).Msg("discard removal failed")
	}
	metrics.RecordingsDiscardedTotal.WithLabelValues(reason).Inc()
	v.logger.Info().
		Str("event", "call.recording_discarded").
		Str("path", path).
		Str("reason", reason).
		Int64("size", size).
		Dur("duration", duration).
		Msg("recording below threshold, discarded")
}
