package hook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mkaserer/hookbook/internal/config"
)

func testHookConfig() config.HookConfig {
	return config.HookConfig{
		ActiveLow:    true,
		PollInterval: time.Millisecond,
		Debounce:     20 * time.Millisecond,
	}
}

func startMonitor(t *testing.T, line Line, cfg config.HookConfig) *Monitor {
	t.Helper()
	m := NewMonitor(line, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give Run a chance to take its initial reading before the test drives
	// the line; otherwise the baseline level races with the first Set/Toggle.
	time.Sleep(50 * time.Millisecond)
	return m
}

func waitState(t *testing.T, m *Monitor, timeout time.Duration) (StateChange, bool) {
	t.Helper()
	select {
	case s := <-m.States():
		return s, true
	case <-time.After(timeout):
		return StateChange{}, false
	}
}

func TestMonitorDebouncedStateChange(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	line := NewMemoryLine(true) // active-low: high = on-hook
	m := startMonitor(t, line, testHookConfig())

	line.Set(false) // off-hook
	change, ok := waitState(t, m, time.Second)
	require.True(t, ok, "expected a settled state change")
	assert.True(t, change.Active)

	line.Set(true) // back on-hook
	change, ok = waitState(t, m, time.Second)
	require.True(t, ok, "expected a settled state change")
	assert.False(t, change.Active)
}

func TestMonitorSuppressesBounces(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	line := NewMemoryLine(true)
	m := startMonitor(t, line, testHookConfig())

	// Bounce faster than the debounce window, ending where we started.
	for i := 0; i < 6; i++ {
		line.Toggle()
		time.Sleep(3 * time.Millisecond)
	}
	line.Set(true)

	_, ok := waitState(t, m, 100*time.Millisecond)
	assert.False(t, ok, "bounces that settle at the original level must not produce a state change")
}

func TestMonitorEmitsUndebouncedToggles(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	line := NewMemoryLine(true)
	m := startMonitor(t, line, testHookConfig())

	const flips = 4
	for i := 0; i < flips; i++ {
		line.Toggle()
		time.Sleep(5 * time.Millisecond)
	}

	got := 0
	deadline := time.After(time.Second)
	for got < flips {
		select {
		case <-m.Toggles():
			got++
		case <-deadline:
			t.Fatalf("saw %d toggles, want %d", got, flips)
		}
	}
}

func TestMonitorActiveLowMapping(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cfg := testHookConfig()
	cfg.ActiveLow = false
	line := NewMemoryLine(false)
	m := startMonitor(t, line, cfg)

	line.Set(true)
	change, ok := waitState(t, m, time.Second)
	require.True(t, ok)
	assert.True(t, change.Active, "active-high wiring: high level means active")
}
