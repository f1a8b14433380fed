package call

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mkaserer/hookbook/internal/audio"
	"github.com/mkaserer/hookbook/internal/config"
	"github.com/mkaserer/hookbook/internal/hook"
	"github.com/mkaserer/hookbook/internal/indicator"
)

// fakeDevice writes a real WAV file on StartRecording so the validator has
// something to parse, and records every playback request.
type fakeDevice struct {
	mu        sync.Mutex
	samples   int
	played    []string
	recording bool
}

func (d *fakeDevice) StartRecording(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := audio.NewWriter(path, 8000, 1)
	if err != nil {
		return err
	}
	if err := w.WriteSamples(make([]int16, d.samples)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	d.recording = true
	return nil
}

func (d *fakeDevice) StopRecording() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recording = false
	return nil
}

func (d *fakeDevice) PlayAudio(ctx context.Context, path string, volume float64, startDelay time.Duration) error {
	d.mu.Lock()
	d.played = append(d.played, filepath.Base(path))
	d.mu.Unlock()
	return ctx.Err()
}

func (d *fakeDevice) StopPlayback() {}

func (d *fakeDevice) MinimumFileSizeBytes() int64           { return 100 }
func (d *fakeDevice) MinimumMessageDuration() time.Duration { return 0 }

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (q *fakeQueue) Enqueue(path, filename string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, filename)
}

func (q *fakeQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

type fakeMeta struct {
	mu          sync.Mutex
	initialized []string
}

func (m *fakeMeta) Initialize(ctx context.Context, filename string, sizeBytes int64, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = append(m.initialized, filename)
	return nil
}

type fixture struct {
	machine *Machine
	device  *fakeDevice
	queue   *fakeQueue
	meta    *fakeMeta
	holder  *config.Holder
	cfg     config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Call.SettleDelay = time.Millisecond
	cfg.Gesture.ToggleWindow = 6 * time.Second
	cfg.Gesture.ToggleCount = 10

	holder := config.NewHolder(cfg, "")
	dev := &fakeDevice{samples: 24000} // 3s at 8kHz, well above thresholds
	fq := &fakeQueue{}
	fm := &fakeMeta{}

	m := NewMachine(MachineOptions{
		Holder:    holder,
		Device:    dev,
		Validator: NewValidator(1000, 2*time.Second),
		Indicator: indicator.Noop{},
		Metadata:  fm,
	})
	m.SetQueue(fq)

	return &fixture{machine: m, device: dev, queue: fq, meta: fm, holder: holder, cfg: cfg}
}

func (f *fixture) waitRecording(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.machine.mu.Lock()
		s := f.machine.session
		f.machine.mu.Unlock()
		return s != nil && s.recordingStarted.Load()
	}, 2*time.Second, 5*time.Millisecond, "capture never started")
}

func TestNormalCallSavesAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.handleOffHook(ctx)
	assert.Equal(t, StatePlayingGreeting, f.machine.State())
	f.waitRecording(t)
	f.machine.handleOnHook(ctx)

	assert.Equal(t, StateIdle, f.machine.State())
	require.Len(t, f.queue.names(), 1)
	assert.Equal(t, f.meta.initialized, f.queue.names(), "metadata row precedes the queue entry")

	saved := filepath.Join(f.cfg.RecordingsDir(), f.queue.names()[0])
	_, err := os.Stat(saved)
	assert.NoError(t, err, "saved recording stays on disk")
}

func TestShortRecordingIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.device.samples = 4000 // 0.5s, below the duration threshold
	ctx := context.Background()

	f.machine.handleOffHook(ctx)
	f.waitRecording(t)
	f.machine.handleOnHook(ctx)

	assert.Empty(t, f.queue.names())
	assert.Empty(t, f.meta.initialized)

	entries, err := os.ReadDir(f.cfg.RecordingsDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "discarded recordings are deleted")
}

func TestSecondOffHookIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.handleOffHook(ctx)
	f.waitRecording(t)

	f.machine.mu.Lock()
	first := f.machine.session
	f.machine.mu.Unlock()

	f.machine.handleOffHook(ctx)

	f.machine.mu.Lock()
	second := f.machine.session
	f.machine.mu.Unlock()
	assert.Same(t, first, second, "exactly one session may be active")

	f.machine.handleOnHook(ctx)
	assert.Equal(t, StateIdle, f.machine.State())
}

func TestGestureRecordsAndPromotesGreeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 10; i++ {
		f.machine.detector.Observe(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	require.True(t, f.machine.detector.Pending())

	f.machine.handleOffHook(ctx)
	assert.Equal(t, StateRecordingGreetingGesture, f.machine.State())
	f.waitRecording(t)
	f.machine.handleOnHook(ctx)

	assert.Equal(t, StateIdle, f.machine.State())
	greeting := f.holder.Get().Call.Greeting
	assert.True(t, strings.HasPrefix(greeting, "sounds/greetings/greeting-"),
		"greeting %q should point at the recorded candidate", greeting)
	assert.Empty(t, f.queue.names(), "greetings never enter the enrichment queue")
}

func TestGestureAbortKeepsOldGreeting(t *testing.T) {
	f := newFixture(t)
	f.device.samples = 0 // header-only candidate
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 10; i++ {
		f.machine.detector.Observe(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	f.machine.handleOffHook(ctx)
	f.waitRecording(t)
	f.machine.handleOnHook(ctx)

	assert.Equal(t, f.cfg.Call.Greeting, f.holder.Get().Call.Greeting,
		"empty candidate must not replace the greeting")
}

func TestInterruptDiscardsInProgressRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.handleOffHook(ctx)
	f.waitRecording(t)

	f.machine.mu.Lock()
	path := f.machine.session.path
	f.machine.mu.Unlock()

	f.machine.Interrupt("test")

	assert.Equal(t, StateIdle, f.machine.State())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "interrupted capture is discarded outright")
	assert.Empty(t, f.queue.names())
}

func TestGreetingButtonFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.PressGreetingButton(ctx)
	assert.Equal(t, StateRecordingGreetingButton, f.machine.State())
	f.waitRecording(t)
	f.machine.ReleaseGreetingButton()

	assert.Equal(t, StateIdle, f.machine.State())
	assert.True(t, strings.HasPrefix(f.holder.Get().Call.Greeting, "sounds/greetings/greeting-"))

	// A second release is a no-op.
	f.machine.ReleaseGreetingButton()
	assert.Equal(t, StateIdle, f.machine.State())
}

func TestOnHookIgnoredDuringButtonRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.PressGreetingButton(ctx)
	f.waitRecording(t)

	// Lift and cradle the handset while the button is held: neither event
	// may touch the button session.
	f.machine.handleOffHook(ctx)
	assert.Equal(t, StateRecordingGreetingButton, f.machine.State())
	f.machine.handleOnHook(ctx)
	assert.Equal(t, StateRecordingGreetingButton, f.machine.State())

	f.machine.mu.Lock()
	s := f.machine.session
	f.machine.mu.Unlock()
	require.NotNil(t, s, "button session survives the handset cycle")

	f.machine.ReleaseGreetingButton()
	assert.Equal(t, StateIdle, f.machine.State())
	assert.True(t, strings.HasPrefix(f.holder.Get().Call.Greeting, "sounds/greetings/greeting-"),
		"release still promotes the captured greeting")
}

func TestButtonLineDrivesGreetingRecording(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Hook.PollInterval = time.Millisecond
	cfg.Hook.Debounce = 10 * time.Millisecond

	holder := config.NewHolder(cfg, "")
	dev := &fakeDevice{samples: 24000}

	hookLine := hook.NewMemoryLine(true)   // active-low: high = on-hook
	buttonLine := hook.NewMemoryLine(true) // high = released
	monitor := hook.NewMonitor(hookLine, cfg.Hook)
	button := hook.NewMonitor(buttonLine, cfg.Hook)

	m := NewMachine(MachineOptions{
		Holder:    holder,
		Device:    dev,
		Validator: NewValidator(1000, 2*time.Second),
		Indicator: indicator.Noop{},
		Metadata:  &fakeMeta{},
		Monitor:   monitor,
		Button:    button,
	})
	m.SetQueue(&fakeQueue{})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{monitor.Run, button.Run, m.Run} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			_ = run(ctx)
		}(run)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	buttonLine.Set(false) // press
	require.Eventually(t, func() bool {
		m.mu.Lock()
		s := m.session
		m.mu.Unlock()
		return s != nil && s.kind == StateRecordingGreetingButton && s.recordingStarted.Load()
	}, 2*time.Second, 5*time.Millisecond, "button press never started a greeting recording")

	buttonLine.Set(true) // release
	require.Eventually(t, func() bool {
		return m.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond, "button release never ended the session")

	assert.True(t, strings.HasPrefix(holder.Get().Call.Greeting, "sounds/greetings/greeting-"),
		"released button recording becomes the greeting")
}

func TestButtonIgnoredDuringCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.machine.handleOffHook(ctx)
	f.waitRecording(t)
	f.machine.PressGreetingButton(ctx)
	assert.Equal(t, StatePlayingGreeting, f.machine.State(), "button press must not preempt a call")
	f.machine.handleOnHook(ctx)
}
