// Package indicator defines the fire-and-forget visual feedback surface.
// The LED hardware driver lives outside this repository; the daemon ships a
// logging implementation so every mode change stays observable.
package indicator

import (
	"github.com/rs/zerolog"

	hblog "github.com/mkaserer/hookbook/internal/log"
)

// Mode is a visual state of the appliance.
type Mode string

const (
	ModeReady               Mode = "ready"
	ModeGreetingPlaying     Mode = "greeting_playing"
	ModeRecording           Mode = "recording"
	ModeRecordGreetingPulse Mode = "record_greeting_pulse"
	ModeSavedFlash          Mode = "saved_flash"
	ModeProcessingStarted   Mode = "processing_started"
	ModeProcessingStopped   Mode = "processing_stopped"
)

// Indicator receives mode signals. Calls are fire-and-forget; the core
// never consumes a return value and must never block on an indicator.
type Indicator interface {
	Signal(mode Mode)
}

// Log is an Indicator that records mode changes in the structured log.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging indicator.
func NewLog() *Log {
	return &Log{logger: hblog.WithComponent("indicator")}
}

// Signal implements Indicator.
func (l *Log) Signal(mode Mode) {
	l.logger.Info().Str("event", "indicator.mode").Str("mode", string(mode)).Msg("indicator mode")
}

// Noop is an Indicator that does nothing.
type Noop struct{}

// Signal implements Indicator.
func (Noop) Signal(Mode) {}
