// Package gesture detects the rapid hook-toggle sequence that switches the
// next pickup into greeting re-recording mode.
package gesture

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/config"
	hblog "github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/metrics"
)

// Interrupter force-terminates whatever call session is active. The gesture
// always wins over an in-progress call.
type Interrupter interface {
	Interrupt(reason string)
}

// Detector counts undebounced hook toggles in a sliding time window. The
// window is pruned by age, never by count, and is volatile across restarts.
type Detector struct {
	cfg         config.GestureConfig
	interrupter Interrupter
	logger      zerolog.Logger

	mu      sync.Mutex
	window  []time.Time
	pending bool
}

// NewDetector creates a detector. interrupter may be nil in tests.
func NewDetector(cfg config.GestureConfig, interrupter Interrupter) *Detector {
	return &Detector{
		cfg:         cfg,
		interrupter: interrupter,
		logger:      hblog.WithComponent("gesture"),
	}
}

// Observe records one toggle. When the threshold is reached with the feature
// enabled it terminates any active call first and then arms the pending
// flag, so no call can start between termination and flag consumption.
func (d *Detector) Observe(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := at.Add(-d.cfg.ToggleWindow)
	kept := d.window[:0]
	for _, t := range d.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.window = append(kept, at)

	d.logger.Debug().
		Str("event", "gesture.toggle").
		Int("count", len(d.window)).
		Int("required", d.cfg.ToggleCount).
		Dur("window", d.cfg.ToggleWindow).
		Msg("hook toggle observed")

	if len(d.window) < d.cfg.ToggleCount || !d.cfg.Enabled {
		return
	}

	d.logger.Info().
		Str("event", "gesture.activated").
		Int("count", len(d.window)).
		Msg("record greeting gesture detected")
	d.window = d.window[:0]
	metrics.GestureActivationsTotal.Inc()

	if d.interrupter != nil {
		d.interrupter.Interrupt("record greeting gesture")
	}
	d.pending = true
}

// ConsumePending returns the pending flag and clears it. The next off-hook
// calls this exactly once.
func (d *Detector) ConsumePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending
	d.pending = false
	return p
}

// Pending reports the flag without consuming it.
func (d *Detector) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
