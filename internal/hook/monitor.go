// Package hook turns the raw, bouncy hook switch level into two event
// streams: every undebounced toggle (for gesture counting) and debounced
// settled state changes (for the call flow).
package hook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/config"
	hblog "github.com/mkaserer/hookbook/internal/log"
)

// Toggle is one undebounced transition of the hook level.
type Toggle struct {
	At time.Time
}

// StateChange is a debounced, settled level transition. Active is the
// logical level after polarity mapping: off-hook for the hook switch,
// held for a button.
type StateChange struct {
	Active bool
	At     time.Time
}

// Monitor polls a Line at a fixed interval and publishes toggles and
// settled state changes. It owns no call semantics; consumers decide what a
// transition means.
type Monitor struct {
	line    Line
	cfg     config.HookConfig
	toggles chan Toggle
	states  chan StateChange
	logger  zerolog.Logger
}

// NewMonitor creates a monitor for the given input line.
func NewMonitor(line Line, cfg config.HookConfig) *Monitor {
	return &Monitor{
		line:    line,
		cfg:     cfg,
		toggles: make(chan Toggle, 64),
		states:  make(chan StateChange, 8),
		logger:  hblog.WithComponent("hook"),
	}
}

// Toggles returns the undebounced toggle stream.
func (m *Monitor) Toggles() <-chan Toggle { return m.toggles }

// States returns the debounced settled-state stream.
func (m *Monitor) States() <-chan StateChange { return m.states }

// Run polls until the context is cancelled. The poll sleep is the only
// suspension point; sub-poll-interval latency is not a goal.
func (m *Monitor) Run(ctx context.Context) error {
	raw, err := m.line.Read()
	if err != nil {
		return err
	}
	lastRaw := raw
	lastDebounced := raw
	lastChange := time.Now()

	m.logger.Info().
		Str("event", "hook.monitor_started").
		Bool("active", m.active(raw)).
		Dur("poll_interval", m.cfg.PollInterval).
		Dur("debounce", m.cfg.Debounce).
		Msg("hook monitor started")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("event", "hook.monitor_stopped").Msg("hook monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		raw, err := m.line.Read()
		if err != nil {
			m.logger.Warn().Err(err).Str("event", "hook.read_failed").Msg("input read failed, keeping last level")
			continue
		}
		now := time.Now()

		if raw != lastRaw {
			// Undebounced: every bounce counts for gesture detection.
			select {
			case m.toggles <- Toggle{At: now}:
			default:
				m.logger.Debug().Str("event", "hook.toggle_dropped").Msg("toggle channel full")
			}
			lastChange = now
			lastRaw = raw
		}

		// Debounced: consumers only see levels that stayed put.
		if now.Sub(lastChange) >= m.cfg.Debounce && raw != lastDebounced {
			change := StateChange{Active: m.active(raw), At: now}
			select {
			case m.states <- change:
				m.logger.Info().
					Str("event", "hook.state_settled").
					Bool("active", change.Active).
					Msg("input state settled")
			default:
				m.logger.Warn().Str("event", "hook.state_dropped").Msg("state channel full")
			}
			lastDebounced = raw
		}
	}
}

func (m *Monitor) active(raw bool) bool {
	if m.cfg.ActiveLow {
		return !raw
	}
	return raw
}
