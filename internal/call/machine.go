// Package call owns the hook-driven call flow: greeting playback, message
// capture, greeting re-recording and the validation of finished recordings.
package call

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/audio"
	"github.com/mkaserer/hookbook/internal/config"
	"github.com/mkaserer/hookbook/internal/gesture"
	"github.com/mkaserer/hookbook/internal/hook"
	"github.com/mkaserer/hookbook/internal/indicator"
	hblog "github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/metrics"
)

// joinTimeout bounds the wait for a session goroutine during teardown. A
// stuck audio backend must never freeze hook handling.
const joinTimeout = 3 * time.Second

// State is the call flow state.
type State string

const (
	StateIdle                     State = "idle"
	StatePlayingGreeting          State = "playing_greeting"
	StateRecordingGreetingGesture State = "recording_greeting_gesture"
	StateRecordingGreetingButton  State = "recording_greeting_button"
)

// Enqueuer receives validated recordings for background enrichment.
type Enqueuer interface {
	Enqueue(path, filename string)
}

// MetadataInitializer creates the initial metadata row for a kept recording.
type MetadataInitializer interface {
	Initialize(ctx context.Context, filename string, sizeBytes int64, duration time.Duration) error
}

// session is the handle for one non-idle period. The machine owns it; the
// session goroutine only signals done.
type session struct {
	kind   State
	path   string
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	recordingStarted atomic.Bool
	recordingStopped atomic.Bool
}

func (s *session) armTimer(d time.Duration, fn func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.timer = time.AfterFunc(d, fn)
}

func (s *session) stopTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// stopRecordingOnce stops capture exactly once, whether the limit timer or
// the on-hook teardown gets there first.
func (s *session) stopRecordingOnce(dev audio.Device) error {
	if !s.recordingStarted.Load() {
		return nil
	}
	if !s.recordingStopped.CompareAndSwap(false, true) {
		return nil
	}
	return dev.StopRecording()
}

// Machine is the single-writer call state machine. Run consumes the hook
// monitor's streams on one goroutine; each non-idle period runs its audio
// work on a dedicated session goroutine the machine tears down on hang-up.
type Machine struct {
	holder    *config.Holder
	device    audio.Device
	validator *Validator
	ind       indicator.Indicator
	queue     Enqueuer
	meta      MetadataInitializer
	monitor   *hook.Monitor
	button    *hook.Monitor
	detector  *gesture.Detector
	logger    zerolog.Logger

	mu      sync.Mutex
	state   State
	session *session

	offHook atomic.Bool
}

// MachineOptions holds the collaborators for a Machine.
type MachineOptions struct {
	Holder    *config.Holder
	Device    audio.Device
	Validator *Validator
	Indicator indicator.Indicator
	Queue     Enqueuer
	Metadata  MetadataInitializer
	Monitor   *hook.Monitor
	Button    *hook.Monitor // optional record-greeting button line
}

// NewMachine wires a machine. The gesture detector is created here because
// the machine is its interrupter.
func NewMachine(opts MachineOptions) *Machine {
	m := &Machine{
		holder:    opts.Holder,
		device:    opts.Device,
		validator: opts.Validator,
		ind:       opts.Indicator,
		queue:     opts.Queue,
		meta:      opts.Metadata,
		monitor:   opts.Monitor,
		button:    opts.Button,
		state:     StateIdle,
		logger:    hblog.WithComponent("call"),
	}
	m.detector = gesture.NewDetector(opts.Holder.Get().Gesture, m)
	return m
}

// SetQueue wires the enrichment sink. The queue is constructed after the
// machine because it watches call activity through IsCallActive.
func (m *Machine) SetQueue(q Enqueuer) {
	m.queue = q
}

// State returns the current call state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsCallActive reports whether the handset is off-hook or a session is
// still winding down. The enrichment queue gates on this.
func (m *Machine) IsCallActive() bool {
	if m.offHook.Load() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Run is the dispatch loop: toggles feed the gesture detector, settled
// state changes drive the call flow, and the optional record-greeting
// button maps to press/release. It owns all state transitions.
func (m *Machine) Run(ctx context.Context) error {
	m.ind.Signal(indicator.ModeReady)
	m.logger.Info().Str("event", "call.dispatch_started").Msg("call dispatch started")

	var buttonStates <-chan hook.StateChange
	if m.button != nil {
		buttonStates = m.button.States()
	}

	for {
		select {
		case <-ctx.Done():
			m.Interrupt("shutdown")
			m.logger.Info().Str("event", "call.dispatch_stopped").Msg("call dispatch stopped")
			return ctx.Err()
		case t := <-m.monitor.Toggles():
			m.detector.Observe(t.At)
		case change := <-m.monitor.States():
			if change.Active {
				m.handleOffHook(ctx)
			} else {
				m.handleOnHook(ctx)
			}
		case change := <-buttonStates:
			if change.Active {
				m.PressGreetingButton(ctx)
			} else {
				m.ReleaseGreetingButton()
			}
		}
	}
}

// Interrupt implements gesture.Interrupter: it force-terminates any active
// session and discards a partially captured recording outright.
func (m *Machine) Interrupt(reason string) {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.state = StateIdle
	m.mu.Unlock()

	if s == nil {
		return
	}
	m.logger.Warn().
		Str("event", "call.interrupted").
		Str("reason", reason).
		Str("kind", string(s.kind)).
		Msg("active session force-terminated")

	m.teardown(s)
	if s.recordingStarted.Load() && s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("path", s.path).Msg("interrupted recording removal failed")
		}
	}
	metrics.CallActive.Set(0)
	m.ind.Signal(indicator.ModeReady)
}

// PressGreetingButton starts recording a new greeting directly. Presses
// while any session is active are ignored.
func (m *Machine) PressGreetingButton(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		m.logger.Info().
			Str("event", "call.button_ignored").
			Str("state", string(m.state)).
			Msg("greeting button press ignored while busy")
		return
	}
	cfg := m.holder.Get()
	s := m.newSession(ctx, StateRecordingGreetingButton, m.greetingCandidatePath(cfg))
	m.mu.Unlock()

	metrics.CallActive.Set(1)
	go m.runButtonRecord(s)
}

// ReleaseGreetingButton stops a button-initiated greeting recording and
// promotes the result. Releases in any other state are ignored.
func (m *Machine) ReleaseGreetingButton() {
	m.mu.Lock()
	if m.state != StateRecordingGreetingButton {
		m.mu.Unlock()
		return
	}
	s := m.session
	m.session = nil
	m.state = StateIdle
	m.mu.Unlock()

	m.teardown(s)
	m.finalizeGreeting(s)
	metrics.CallActive.Set(0)
	m.ind.Signal(indicator.ModeReady)
}

func (m *Machine) handleOffHook(ctx context.Context) {
	m.offHook.Store(true)

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		m.logger.Info().
			Str("event", "call.off_hook_ignored").
			Str("state", string(state)).
			Msg("off-hook while a session is active, ignoring")
		return
	}

	cfg := m.holder.Get()
	if m.detector.ConsumePending() {
		s := m.newSession(ctx, StateRecordingGreetingGesture, m.greetingCandidatePath(cfg))
		m.mu.Unlock()

		metrics.CallsTotal.WithLabelValues("greeting_gesture").Inc()
		metrics.CallActive.Set(1)
		go m.runGreetingRecord(s, cfg)
		return
	}

	s := m.newSession(ctx, StatePlayingGreeting, m.messagePath(cfg))
	m.mu.Unlock()

	metrics.CallsTotal.WithLabelValues("message").Inc()
	metrics.CallActive.Set(1)
	go m.runNormalCall(s, cfg)
}

func (m *Machine) handleOnHook(ctx context.Context) {
	m.offHook.Store(false)

	m.mu.Lock()
	if m.session != nil && m.session.kind == StateRecordingGreetingButton {
		// The handset has no claim on a button-held greeting recording;
		// only the button release ends it.
		m.mu.Unlock()
		m.logger.Info().
			Str("event", "call.on_hook_ignored").
			Msg("on-hook during button greeting recording, ignoring")
		return
	}
	s := m.session
	state := m.state
	m.session = nil
	m.state = StateIdle
	m.mu.Unlock()

	if s == nil {
		// Startup with the handset already cradled, or an interrupted call.
		m.ind.Signal(indicator.ModeReady)
		return
	}

	m.teardown(s)
	switch state {
	case StatePlayingGreeting:
		m.finalizeMessage(ctx, s)
	case StateRecordingGreetingGesture:
		m.finalizeGreeting(s)
	}
	metrics.CallActive.Set(0)
	m.ind.Signal(indicator.ModeReady)
}

// newSession must be called with m.mu held.
func (m *Machine) newSession(ctx context.Context, kind State, path string) *session {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		kind:   kind,
		path:   path,
		runCtx: sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.session = s
	m.state = kind
	m.logger.Info().
		Str("event", "call.session_started").
		Str("kind", string(kind)).
		Str("path", path).
		Msg("session started")
	return s
}

// teardown stops everything a session may have running, in fixed order:
// limit timer, capture, playback, then a bounded join of the goroutine.
func (m *Machine) teardown(s *session) {
	s.stopTimer()
	if err := s.stopRecordingOnce(m.device); err != nil {
		m.logger.Warn().Err(err).Str("event", "call.stop_recording_failed").Msg("stop recording failed")
	}
	m.device.StopPlayback()
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(joinTimeout):
		m.logger.Warn().
			Str("event", "call.join_timeout").
			Str("kind", string(s.kind)).
			Msg("session goroutine did not finish in time, proceeding")
	}
}

// runNormalCall plays the greeting, then captures the guest message with
// the beep placed inside or outside the capture per configuration.
func (m *Machine) runNormalCall(s *session, cfg config.Config) {
	defer close(s.done)
	ctx := s.runCtx

	m.ind.Signal(indicator.ModeGreetingPlaying)
	if err := m.device.PlayAudio(ctx, cfg.GreetingPath(), cfg.Call.GreetingVolume, cfg.Call.GreetingStartDelay); err != nil {
		m.logger.Debug().Err(err).Str("event", "call.greeting_stopped").Msg("greeting playback ended early")
	}
	if ctx.Err() != nil {
		return
	}

	if cfg.Call.BeepIncludeInMessage {
		if !m.startCapture(s, cfg) {
			return
		}
		m.playBeep(ctx, cfg)
	} else {
		m.playBeep(ctx, cfg)
		if ctx.Err() != nil {
			return
		}
		if !m.startCapture(s, cfg) {
			return
		}
	}

	s.armTimer(cfg.Call.RecordingLimit, func() { m.onRecordingLimit(s, cfg) })
	<-ctx.Done()
}

// runGreetingRecord handles the post-gesture greeting re-record: prompt,
// settle, beep outside the capture, then record until hang-up.
func (m *Machine) runGreetingRecord(s *session, cfg config.Config) {
	defer close(s.done)
	ctx := s.runCtx

	m.ind.Signal(indicator.ModeRecordGreetingPulse)
	if err := m.device.PlayAudio(ctx, cfg.RecordGreetingPromptPath(), cfg.Call.GreetingVolume, 0); err != nil {
		m.logger.Debug().Err(err).Msg("greeting prompt playback ended early")
	}
	if ctx.Err() != nil {
		return
	}
	if !sleepCtx(ctx, cfg.Call.SettleDelay) {
		return
	}

	// The beep stays out of the greeting; capture starts after it.
	m.playBeep(ctx, cfg)
	if ctx.Err() != nil {
		return
	}
	if !m.startCapture(s, cfg) {
		return
	}

	s.armTimer(cfg.Call.RecordingLimit, func() { m.onRecordingLimit(s, cfg) })
	<-ctx.Done()
}

// runButtonRecord captures a greeting for as long as the button is held.
func (m *Machine) runButtonRecord(s *session) {
	defer close(s.done)
	ctx := s.runCtx
	cfg := m.holder.Get()

	if !m.startCapture(s, cfg) {
		return
	}
	s.armTimer(cfg.Call.RecordingLimit, func() { m.onRecordingLimit(s, cfg) })
	<-ctx.Done()
}

func (m *Machine) startCapture(s *session, cfg config.Config) bool {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		m.logger.Error().Err(err).Str("path", s.path).Msg("recording directory unavailable")
		return false
	}
	if err := m.device.StartRecording(s.path); err != nil {
		m.logger.Error().
			Err(err).
			Str("event", "call.capture_failed").
			Str("path", s.path).
			Msg("recording start failed")
		return false
	}
	s.recordingStarted.Store(true)
	m.ind.Signal(indicator.ModeRecording)
	m.logger.Info().
		Str("event", "call.recording_started").
		Str("path", s.path).
		Msg("recording started")
	return true
}

func (m *Machine) playBeep(ctx context.Context, cfg config.Config) {
	if err := m.device.PlayAudio(ctx, cfg.BeepPath(), cfg.Call.BeepVolume, cfg.Call.BeepStartDelay); err != nil {
		m.logger.Debug().Err(err).Msg("beep playback ended early")
	}
}

// onRecordingLimit fires from the limit timer: it stops capture and tells
// the caller their time is up. The session stays up until they hang up.
func (m *Machine) onRecordingLimit(s *session, cfg config.Config) {
	m.logger.Info().
		Str("event", "call.recording_limit").
		Dur("limit", cfg.Call.RecordingLimit).
		Str("path", s.path).
		Msg("recording limit reached")
	if err := s.stopRecordingOnce(m.device); err != nil {
		m.logger.Warn().Err(err).Msg("stop recording at limit failed")
	}
	if err := m.device.PlayAudio(s.runCtx, cfg.TimeExceededPath(), cfg.Call.TimeExceededVolume, 0); err != nil {
		m.logger.Debug().Err(err).Msg("time-exceeded playback ended early")
	}
}

// finalizeMessage validates a finished guest message and hands it to the
// metadata store and the enrichment queue.
func (m *Machine) finalizeMessage(ctx context.Context, s *session) {
	if !s.recordingStarted.Load() {
		m.logger.Info().
			Str("event", "call.no_recording").
			Msg("hang-up before capture started, nothing to save")
		return
	}

	keep, size, duration, err := m.validator.Validate(s.path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", s.path).Msg("recording validation failed")
		return
	}
	if !keep {
		return
	}

	filename := filepath.Base(s.path)
	metrics.RecordingsSavedTotal.Inc()
	m.ind.Signal(indicator.ModeSavedFlash)
	m.logger.Info().
		Str("event", "call.recording_saved").
		Str("filename", filename).
		Int64("size", size).
		Dur("duration", duration).
		Msg("recording saved")

	if err := m.meta.Initialize(ctx, filename, size, duration); err != nil {
		m.logger.Error().Err(err).Str("filename", filename).Msg("metadata initialization failed")
	}
	if m.queue != nil {
		m.queue.Enqueue(s.path, filename)
	}
}

// finalizeGreeting promotes a captured greeting candidate or discards it.
// The old greeting survives any failure along the way.
func (m *Machine) finalizeGreeting(s *session) {
	if !s.recordingStarted.Load() {
		m.logger.Info().
			Str("event", "call.greeting_aborted").
			Msg("hang-up before greeting capture started, keeping old greeting")
		return
	}

	info, err := os.Stat(s.path)
	if err != nil || info.Size() <= audio.HeaderSize {
		m.logger.Info().
			Str("event", "call.greeting_discarded").
			Str("path", s.path).
			Msg("greeting candidate empty, keeping old greeting")
		if err == nil {
			_ = os.Remove(s.path)
		}
		return
	}

	if err := m.holder.PromoteGreeting(s.path); err != nil {
		m.logger.Error().
			Err(err).
			Str("event", "call.greeting_persist_failed").
			Str("path", s.path).
			Msg("new greeting active in memory but not persisted")
		return
	}
	m.logger.Info().
		Str("event", "call.greeting_recorded").
		Str("path", s.path).
		Int64("size", info.Size()).
		Msg("new greeting recorded and promoted")
}

func (m *Machine) messagePath(cfg config.Config) string {
	name := fmt.Sprintf("%s.wav", time.Now().Format("2006-01-02_15-04-05"))
	return filepath.Join(cfg.RecordingsDir(), name)
}

func (m *Machine) greetingCandidatePath(cfg config.Config) string {
	name := fmt.Sprintf("greeting-%s.wav", time.Now().Format("2006-01-02_15-04-05"))
	return filepath.Join(cfg.GreetingsDir(), name)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
