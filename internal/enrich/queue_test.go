package enrich

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkaserer/hookbook/internal/config"
	"github.com/mkaserer/hookbook/internal/store"
)

// memStore is an in-memory MetadataStore that records every mutation.
type memStore struct {
	mu     sync.Mutex
	recs   map[string]store.Recording
	order  []string
	events []string
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]store.Recording{}}
}

func (m *memStore) event(format string, args ...any) {
	m.events = append(m.events, fmt.Sprintf(format, args...))
}

func (m *memStore) Initialize(ctx context.Context, filename string, sizeBytes int64, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[filename]; !ok {
		m.order = append(m.order, filename)
	}
	m.recs[filename] = store.Recording{
		Filename:        filename,
		FileSizeBytes:   sizeBytes,
		DurationSeconds: duration.Seconds(),
		Status:          store.StatusPending,
		CreatedAt:       time.Now(),
	}
	m.event("initialize %s", filename)
	return nil
}

func (m *memStore) setStatus(filename string, status store.Status) error {
	rec, ok := m.recs[filename]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = status
	m.recs[filename] = rec
	m.event("%s %s", status, filename)
	return nil
}

func (m *memStore) MarkProcessing(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatus(filename, store.StatusProcessing)
}

func (m *memStore) MarkPending(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatus(filename, store.StatusPending)
}

func (m *memStore) MarkSkipped(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatus(filename, store.StatusSkipped)
}

func (m *memStore) MarkCompleted(ctx context.Context, filename string, result store.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[filename]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = store.StatusCompleted
	rec.Result = &result
	rec.LastError = ""
	m.recs[filename] = rec
	m.event("completed %s", filename)
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, filename, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[filename]
	if !ok {
		return store.ErrNotFound
	}
	rec.Status = store.StatusFailed
	rec.LastError = errMsg
	m.recs[filename] = rec
	m.event("failed %s", filename)
	return nil
}

func (m *memStore) Get(ctx context.Context, filename string) (store.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[filename]
	if !ok {
		return store.Recording{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) List(ctx context.Context) ([]store.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Recording, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.recs[name])
	}
	return out, nil
}

func (m *memStore) Unprocessed(ctx context.Context) ([]store.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Recording
	for _, name := range m.order {
		rec := m.recs[name]
		if rec.Status == store.StatusPending || rec.Status == store.StatusFailed {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) Remove(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, filename)
	for i, n := range m.order {
		if n == filename {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.event("remove %s", filename)
	return nil
}

func (m *memStore) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for name, rec := range m.recs {
		if rec.Status == store.StatusProcessing {
			rec.Status = store.StatusPending
			m.recs[name] = rec
			n++
		}
	}
	m.event("reset_stale %d", n)
	return n, nil
}

func (m *memStore) status(filename string) store.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[filename].Status
}

func (m *memStore) eventList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  []string
	result *store.Result
	err    error
}

func (p *fakeProcessor) Process(ctx context.Context, path, filename string) (*store.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, filename)
	return p.result, p.err
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeConn struct{ ok bool }

func (c fakeConn) Available(ctx context.Context) bool { return c.ok }

type testQueue struct {
	queue *Queue
	store *memStore
	proc  *fakeProcessor
	dir   string
	edges []bool
	mu    sync.Mutex
}

func newTestQueue(t *testing.T, mutate func(*config.EnrichConfig)) *testQueue {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults().Enrich
	cfg.Enabled = true
	cfg.APIKey = "sk-test"
	cfg.Cooldown = 0
	cfg.AllowDuringCall = true
	if mutate != nil {
		mutate(&cfg)
	}

	tq := &testQueue{store: newMemStore(), proc: &fakeProcessor{result: &store.Result{Category: "other"}}, dir: dir}
	tq.queue = NewQueue(QueueOptions{
		Config:       cfg,
		Store:        tq.store,
		Processor:    tq.proc,
		Connectivity: fakeConn{ok: true},
		OnProcessingChange: func(on bool) {
			tq.mu.Lock()
			tq.edges = append(tq.edges, on)
			tq.mu.Unlock()
		},
		RecordingsDir:    dir,
		MinFileSizeBytes: 1000,
		MinDuration:      2 * time.Second,
	})
	return tq
}

func (tq *testQueue) addRecording(t *testing.T, name string, size int) Job {
	t.Helper()
	path := filepath.Join(tq.dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, tq.store.Initialize(context.Background(), name, int64(size), 3*time.Second))
	return Job{ID: "job-" + name, FilePath: path, Filename: name, EnqueuedAt: time.Now()}
}

func (tq *testQueue) processingEdges() []bool {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return append([]bool(nil), tq.edges...)
}

func TestEnqueueAutoProcessDisabledMarksSkipped(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.AutoProcess = false })
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.Enqueue(job.FilePath, job.Filename)

	assert.Equal(t, store.StatusSkipped, tq.store.status("a.wav"))
	assert.Zero(t, tq.queue.Depth())
}

func TestEnqueueNotConfiguredLeavesPendingAndVisible(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.Enabled = false })
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.Enqueue(job.FilePath, job.Filename)

	assert.Equal(t, store.StatusPending, tq.store.status("a.wav"))
	assert.Zero(t, tq.queue.Depth(), "unconfigured queue must not accumulate jobs")
}

func TestHandleCompletesJob(t *testing.T) {
	tq := newTestQueue(t, nil)
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.handle(context.Background(), job)

	assert.Equal(t, store.StatusCompleted, tq.store.status("a.wav"))
	assert.Equal(t, 1, tq.proc.callCount())
	assert.Equal(t, []bool{true, false}, tq.processingEdges(),
		"processing edges fire exactly once each per job")
}

func TestHandleEmptyResultDeletesFileAndRow(t *testing.T) {
	tq := newTestQueue(t, nil)
	tq.proc.result = nil
	job := tq.addRecording(t, "silence.wav", 2000)

	tq.queue.handle(context.Background(), job)

	_, err := os.Stat(job.FilePath)
	assert.True(t, os.IsNotExist(err), "definitively empty recordings are deleted")
	_, err = tq.store.Get(context.Background(), "silence.wav")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleErrorMarksFailed(t *testing.T) {
	tq := newTestQueue(t, nil)
	tq.proc.err = errors.New("api exploded")
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.handle(context.Background(), job)

	assert.Equal(t, store.StatusFailed, tq.store.status("a.wav"))
	rec, err := tq.store.Get(context.Background(), "a.wav")
	require.NoError(t, err)
	assert.Contains(t, rec.LastError, "api exploded")
	assert.Equal(t, []bool{true, false}, tq.processingEdges())
}

func TestHandleOfflineLeavesPending(t *testing.T) {
	tq := newTestQueue(t, nil)
	tq.queue.connectivity = fakeConn{ok: false}
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.handle(context.Background(), job)

	assert.Equal(t, store.StatusPending, tq.store.status("a.wav"))
	assert.Zero(t, tq.proc.callCount(), "no processing attempt without connectivity")
}

func TestHandleMisconfiguredFailsFast(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.APIKey = "" })
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.handle(context.Background(), job)

	assert.Equal(t, store.StatusFailed, tq.store.status("a.wav"))
	assert.Zero(t, tq.proc.callCount())
}

func TestHandleSkipsCompletedJob(t *testing.T) {
	tq := newTestQueue(t, nil)
	job := tq.addRecording(t, "a.wav", 2000)
	require.NoError(t, tq.store.MarkCompleted(context.Background(), "a.wav", store.Result{}))

	tq.queue.handle(context.Background(), job)

	assert.Zero(t, tq.proc.callCount(), "completed jobs must not be paid for twice")
}

func TestHandleMissingFileDropsRow(t *testing.T) {
	tq := newTestQueue(t, nil)
	job := tq.addRecording(t, "a.wav", 2000)
	require.NoError(t, os.Remove(job.FilePath))

	tq.queue.handle(context.Background(), job)

	_, err := tq.store.Get(context.Background(), "a.wav")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, tq.proc.callCount())
}

func TestHandleRespectsCooldown(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.Cooldown = 300 * time.Millisecond })
	job := tq.addRecording(t, "a.wav", 2000)

	tq.queue.lastRecording.Store(time.Now().UnixNano())
	start := time.Now()
	tq.queue.handle(context.Background(), job)

	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond,
		"processing must wait out the cooldown after the last call")
	assert.Equal(t, store.StatusCompleted, tq.store.status("a.wav"))
}

func TestCallDuringCooldownRequeuesJob(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) {
		c.AllowDuringCall = false
		c.Cooldown = 150 * time.Millisecond
	})
	var active atomic.Bool
	tq.queue.phoneActive = active.Load

	job := tq.addRecording(t, "busy.wav", 2000)
	tq.queue.lastRecording.Store(time.Now().UnixNano())

	// The handset is picked up again partway through the cooldown wait.
	go func() {
		time.Sleep(50 * time.Millisecond)
		active.Store(true)
	}()

	tq.queue.handle(context.Background(), job)

	assert.Zero(t, tq.proc.callCount(), "processor must not run while a call is up")
	assert.Equal(t, 1, tq.queue.Depth(), "the job goes back on the queue, not dropped")
	assert.Equal(t, store.StatusPending, tq.store.status("busy.wav"))

	// The phone goes idle again; the re-queued job completes normally.
	active.Store(false)
	tq.queue.lastRecording.Store(0)
	requeued, ok := tq.queue.pop(context.Background(), time.Second)
	require.True(t, ok)
	tq.queue.handle(context.Background(), requeued)

	assert.Equal(t, 1, tq.proc.callCount())
	assert.Equal(t, store.StatusCompleted, tq.store.status("busy.wav"))
}

func TestCooldownInterruptibleByShutdown(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.Cooldown = time.Hour })
	job := tq.addRecording(t, "a.wav", 2000)
	tq.queue.lastRecording.Store(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	tq.queue.handle(ctx, job)

	assert.Less(t, time.Since(start), 2*time.Second, "shutdown must interrupt the cooldown wait")
	assert.Zero(t, tq.proc.callCount())
}

func TestReconcileAdoptsDeletesAndDrops(t *testing.T) {
	tq := newTestQueue(t, nil)
	ctx := context.Background()

	// Junk: on-disk, undersized, no metadata.
	junk := filepath.Join(tq.dir, "junk.wav")
	require.NoError(t, os.WriteFile(junk, make([]byte, 10), 0o644))
	// Orphan: on-disk, large enough, no metadata.
	orphan := filepath.Join(tq.dir, "orphan.wav")
	require.NoError(t, os.WriteFile(orphan, make([]byte, 4096), 0o644))
	// Vanished: metadata without a backing file.
	require.NoError(t, tq.store.Initialize(ctx, "gone.wav", 2000, 3*time.Second))

	tq.queue.reconcile(ctx)

	_, err := os.Stat(junk)
	assert.True(t, os.IsNotExist(err), "junk files are deleted")

	_, err = tq.store.Get(ctx, "orphan.wav")
	assert.NoError(t, err, "valid orphans get metadata")

	_, err = tq.store.Get(ctx, "gone.wav")
	assert.ErrorIs(t, err, store.ErrNotFound, "rows without files are dropped")
}

func TestRescanSkipsWhenNotConfigured(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.Enabled = false })
	tq.addRecording(t, "a.wav", 2000)

	tq.queue.rescan(context.Background(), false)
	assert.Zero(t, tq.queue.Depth(), "periodic rescan stays quiet while unconfigured")

	tq.queue.rescan(context.Background(), true)
	assert.Equal(t, 1, tq.queue.Depth(), "a forced rescan pushes pending work anyway")
}

func TestRescanEnqueuesPendingAndFailedOnce(t *testing.T) {
	tq := newTestQueue(t, nil)
	tq.addRecording(t, "a.wav", 2000)
	b := tq.addRecording(t, "b.wav", 2000)
	require.NoError(t, tq.store.MarkFailed(context.Background(), b.Filename, "x"))

	tq.queue.rescan(context.Background(), false)
	assert.Equal(t, 2, tq.queue.Depth())

	tq.queue.rescan(context.Background(), false)
	assert.Equal(t, 2, tq.queue.Depth(), "rescan must not duplicate queued jobs")
}

func TestRunProcessesBacklogEndToEnd(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) {
		c.RescanIdle = 50 * time.Millisecond
		c.RescanBacklog = 50 * time.Millisecond
	})
	tq.addRecording(t, "a.wav", 2000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tq.queue.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return tq.store.status("a.wav") == store.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "backlog should be rescanned and processed")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWaitForIdleGates(t *testing.T) {
	tq := newTestQueue(t, func(c *config.EnrichConfig) { c.AllowDuringCall = false })
	active := true
	tq.queue.phoneActive = func() bool { return active }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, tq.queue.waitForIdle(ctx), "cancelled context aborts the idle wait")

	active = false
	assert.True(t, tq.queue.waitForIdle(context.Background()))
}
