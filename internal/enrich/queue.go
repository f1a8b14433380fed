package enrich

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/audio"
	"github.com/mkaserer/hookbook/internal/config"
	hblog "github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/metrics"
	"github.com/mkaserer/hookbook/internal/store"
)

// gateTick bounds every blocking wait in the worker so shutdown is never
// delayed by more than a couple of seconds.
const gateTick = 2 * time.Second

// QueueOptions holds the dependencies for a Queue.
type QueueOptions struct {
	Config             config.EnrichConfig
	Store              MetadataStore
	Processor          Processor
	Connectivity       ConnectivityChecker
	PhoneActive        PhoneStateFunc
	OnProcessingChange ProcessingStateFunc
	RecordingsDir      string
	MinFileSizeBytes   int64
	MinDuration        time.Duration
}

// Queue is the durable, cooldown-aware background processor. One worker
// goroutine drains an unbounded FIFO; the metadata store is the durable
// side, the in-memory slice only an ordering hint that periodic rescans
// rebuild after losses.
type Queue struct {
	cfg          config.EnrichConfig
	store        MetadataStore
	processor    Processor
	connectivity ConnectivityChecker
	phoneActive  PhoneStateFunc
	onProcessing ProcessingStateFunc
	dir          string
	minSize      int64
	minDuration  time.Duration
	triggerFile  string
	logger       zerolog.Logger

	mu     sync.Mutex
	jobs   []Job
	queued map[string]struct{}
	notify chan struct{}

	lastRecording atomic.Int64 // unix nanos of the most recent call end
	forceScan     atomic.Bool
	processing    atomic.Bool
	backlog       atomic.Bool
}

// NewQueue creates a queue. Run must be called to start processing.
func NewQueue(opts QueueOptions) *Queue {
	trigger := opts.Config.TriggerFile
	if trigger == "" {
		trigger = filepath.Join(opts.RecordingsDir, ".process-now")
	}
	if opts.PhoneActive == nil {
		opts.PhoneActive = func() bool { return false }
	}
	return &Queue{
		cfg:          opts.Config,
		store:        opts.Store,
		processor:    opts.Processor,
		connectivity: opts.Connectivity,
		phoneActive:  opts.PhoneActive,
		onProcessing: opts.OnProcessingChange,
		dir:          opts.RecordingsDir,
		minSize:      opts.MinFileSizeBytes,
		minDuration:  opts.MinDuration,
		triggerFile:  trigger,
		logger:       hblog.WithComponent("enrich"),
		queued:       make(map[string]struct{}),
		notify:       make(chan struct{}, 1),
	}
}

// Enqueue registers a freshly validated recording for processing and stamps
// the cooldown clock. When automatic processing cannot run the job stays
// visible (skipped or pending) instead of silently vanishing, so a manual
// trigger can find it later.
func (q *Queue) Enqueue(path, filename string) {
	q.lastRecording.Store(time.Now().UnixNano())

	if !q.cfg.AutoProcess {
		q.logger.Info().
			Str("event", "enrich.auto_process_disabled").
			Str("filename", filename).
			Msg("auto-processing disabled, marking skipped")
		if err := q.store.MarkSkipped(context.Background(), filename); err != nil {
			q.logger.Warn().Err(err).Str("filename", filename).Msg("mark skipped failed")
		}
		return
	}
	if !q.cfg.Enabled || q.cfg.APIKey == "" {
		q.logger.Info().
			Str("event", "enrich.not_configured").
			Str("filename", filename).
			Msg("enrichment not configured, leaving pending for manual trigger")
		return
	}

	q.push(Job{
		ID:         uuid.NewString(),
		FilePath:   path,
		Filename:   filename,
		EnqueuedAt: time.Now(),
	})
	q.logger.Info().
		Str("event", "enrich.enqueued").
		Str("filename", filename).
		Msg("recording queued for enrichment")
}

// TriggerProcessNow forces an immediate rescan for pending work, as used by
// the management API.
func (q *Queue) TriggerProcessNow() {
	q.forceScan.Store(true)
	q.wake()
}

// IsProcessing reports whether a job is currently being processed.
func (q *Queue) IsProcessing() bool {
	return q.processing.Load()
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Run executes startup recovery and then the worker loop until the context
// is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.recover(ctx)

	watcher := q.startTriggerWatcher(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	lastRescan := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			q.logger.Info().Str("event", "enrich.worker_stopped").Msg("enrichment worker stopped")
			return err
		}

		if q.consumeTrigger() {
			q.logger.Info().Str("event", "enrich.trigger").Msg("forced rescan requested")
			q.rescan(ctx, true)
			lastRescan = time.Now()
		}

		interval := q.cfg.RescanIdle
		if q.backlog.Load() {
			interval = q.cfg.RescanBacklog
		}
		if time.Since(lastRescan) >= interval {
			q.rescan(ctx, false)
			lastRescan = time.Now()
		}

		job, ok := q.pop(ctx, time.Second)
		if !ok {
			continue
		}
		q.handle(ctx, job)
	}
}

// recover performs the startup pass: crash recovery for stuck jobs,
// filesystem/metadata reconciliation and backlog re-enqueueing.
func (q *Queue) recover(ctx context.Context) {
	if n, err := q.store.ResetStaleProcessing(ctx, q.cfg.StaleThreshold); err != nil {
		q.logger.Warn().Err(err).Str("event", "enrich.recover_failed").Msg("stale processing reset failed")
	} else if n > 0 {
		q.logger.Info().
			Str("event", "enrich.stale_reset").
			Int64("count", n).
			Msg("reset stale processing entries to pending")
	}

	q.reconcile(ctx)

	if q.cfg.AutoProcess {
		q.rescan(ctx, false)
	}
}

// reconcile aligns the filesystem with the metadata store: junk files
// without metadata are deleted, valid orphans get metadata, and rows whose
// backing file vanished are dropped.
func (q *Queue) reconcile(ctx context.Context) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		q.logger.Warn().Err(err).Str("event", "enrich.reconcile_failed").Msg("cannot read recordings dir")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		name := entry.Name()
		path := filepath.Join(q.dir, name)

		if _, err := q.store.Get(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			q.logger.Warn().Err(err).Str("filename", name).Msg("metadata lookup failed during reconcile")
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() < q.minSize {
			// Junk created outside the normal flow, e.g. an aborted boot.
			if err := os.Remove(path); err != nil {
				q.logger.Warn().Err(err).Str("filename", name).Msg("junk removal failed")
				continue
			}
			q.logger.Info().
				Str("event", "enrich.junk_removed").
				Str("filename", name).
				Int64("size", info.Size()).
				Msg("removed junk recording without metadata")
			continue
		}

		var duration time.Duration
		if wavInfo, err := audio.ReadInfo(path); err == nil {
			duration = wavInfo.Duration()
		}
		if err := q.store.Initialize(ctx, name, info.Size(), duration); err != nil {
			q.logger.Warn().Err(err).Str("filename", name).Msg("orphan initialization failed")
			continue
		}
		q.logger.Info().
			Str("event", "enrich.orphan_adopted").
			Str("filename", name).
			Msg("initialized metadata for orphaned recording")
	}

	rows, err := q.store.List(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("metadata listing failed during reconcile")
		return
	}
	for _, rec := range rows {
		if _, err := os.Stat(filepath.Join(q.dir, rec.Filename)); os.IsNotExist(err) {
			if err := q.store.Remove(ctx, rec.Filename); err != nil {
				q.logger.Warn().Err(err).Str("filename", rec.Filename).Msg("stale row removal failed")
				continue
			}
			q.logger.Info().
				Str("event", "enrich.stale_row_removed").
				Str("filename", rec.Filename).
				Msg("dropped metadata for vanished recording")
		}
	}
}

// rescan re-enqueues pending/failed rows whose file still exists. This is
// the safety net against lost enqueue calls and the retry path for failed
// jobs. Periodic rescans stay quiet while enrichment is unconfigured so
// pending rows remain visible; a forced rescan pushes them anyway and lets
// the worker record the misconfiguration on each row.
func (q *Queue) rescan(ctx context.Context, forced bool) {
	rows, err := q.store.Unprocessed(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Str("event", "enrich.rescan_failed").Msg("unprocessed listing failed")
		return
	}
	if !forced && (!q.cfg.Enabled || q.cfg.APIKey == "") {
		q.backlog.Store(false)
		return
	}

	added := 0
	for _, rec := range rows {
		path := filepath.Join(q.dir, rec.Filename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if q.pushIfAbsent(Job{
			ID:         uuid.NewString(),
			FilePath:   path,
			Filename:   rec.Filename,
			EnqueuedAt: time.Now(),
		}) {
			added++
		}
	}
	q.backlog.Store(len(rows) > 0)
	if added > 0 {
		q.logger.Info().
			Str("event", "enrich.rescan").
			Int("enqueued", added).
			Int("unprocessed", len(rows)).
			Msg("rescan queued pending work")
	}
}

// handle runs one job through all gates and the processor. Errors never
// escape; the queue is not fatal to the process.
func (q *Queue) handle(ctx context.Context, job Job) {
	jobCtx := hblog.ContextWithJobID(ctx, job.ID)
	logger := hblog.WithComponentFromContext(jobCtx, "enrich").With().
		Str("filename", job.Filename).Logger()

	// Idle gate: never compete with live call audio.
	if !q.waitForIdle(ctx) {
		return
	}
	// Cooldown gate: the handset may be picked up again right away.
	if !q.waitForCooldown(ctx, logger) {
		return
	}
	// A call may have begun during the cooldown wait. Re-queue, not drop.
	if !q.cfg.AllowDuringCall && q.phoneActive() {
		logger.Info().Str("event", "enrich.requeued").Msg("call started during cooldown, re-queuing job")
		q.push(job)
		return
	}

	rec, err := q.store.Get(jobCtx, job.Filename)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug().Str("event", "enrich.job_dropped").Msg("metadata gone, dropping job")
		return
	} else if err != nil {
		logger.Warn().Err(err).Msg("metadata lookup failed, dropping job")
		return
	}
	if rec.Status == store.StatusCompleted {
		// A race-requeued duplicate. Skipping avoids paying twice.
		logger.Debug().Str("event", "enrich.already_completed").Msg("job already completed, skipping")
		return
	}

	// Deterministic misconfiguration fails fast instead of burning retries.
	if !q.cfg.Enabled || q.cfg.APIKey == "" {
		logger.Info().Str("event", "enrich.misconfigured").Msg("enrichment disabled or credential missing")
		q.markFailed(jobCtx, logger, job.Filename, "enrichment disabled or no API credential configured")
		return
	}

	if !q.connectivity.Available(jobCtx) {
		logger.Info().Str("event", "enrich.offline").Msg("no connectivity, leaving pending for rescan")
		if err := q.store.MarkPending(jobCtx, job.Filename); err != nil {
			logger.Warn().Err(err).Msg("mark pending failed")
		}
		return
	}

	if _, err := os.Stat(job.FilePath); err != nil {
		logger.Info().Str("event", "enrich.file_missing").Msg("recording file vanished, dropping metadata")
		if err := q.store.Remove(jobCtx, job.Filename); err != nil {
			logger.Warn().Err(err).Msg("row removal failed")
		}
		return
	}

	if err := q.store.MarkProcessing(jobCtx, job.Filename); err != nil {
		logger.Warn().Err(err).Msg("mark processing failed, dropping job")
		return
	}

	q.setProcessing(true)
	defer q.setProcessing(false)

	logger.Info().Str("event", "enrich.processing").Msg("processing recording")
	result, err := q.processor.Process(jobCtx, job.FilePath, job.Filename)
	switch {
	case err != nil:
		logger.Error().Err(err).Str("event", "enrich.failed").Msg("enrichment failed")
		q.markFailed(jobCtx, logger, job.Filename, err.Error())
	case result == nil:
		// Definitively empty input: remove rather than retry forever.
		logger.Info().Str("event", "enrich.empty").Msg("empty transcription, removing recording")
		if err := os.Remove(job.FilePath); err != nil {
			logger.Warn().Err(err).Msg("empty recording removal failed")
		}
		if err := q.store.Remove(jobCtx, job.Filename); err != nil {
			logger.Warn().Err(err).Msg("empty recording row removal failed")
		}
		metrics.EnrichmentJobsTotal.WithLabelValues("empty").Inc()
	default:
		if err := q.store.MarkCompleted(jobCtx, job.Filename, *result); err != nil {
			logger.Warn().Err(err).Msg("mark completed failed")
			return
		}
		logger.Info().
			Str("event", "enrich.completed").
			Str("category", result.Category).
			Str("summary", result.Summary).
			Msg("enrichment completed")
		metrics.EnrichmentJobsTotal.WithLabelValues("completed").Inc()
	}
}

func (q *Queue) markFailed(ctx context.Context, logger zerolog.Logger, filename, msg string) {
	if err := q.store.MarkFailed(ctx, filename, msg); err != nil {
		logger.Warn().Err(err).Msg("mark failed failed")
	}
	metrics.EnrichmentJobsTotal.WithLabelValues("failed").Inc()
}

func (q *Queue) setProcessing(on bool) {
	q.processing.Store(on)
	if on {
		metrics.EnrichmentProcessing.Set(1)
	} else {
		metrics.EnrichmentProcessing.Set(0)
	}
	if q.onProcessing != nil {
		q.onProcessing(on)
	}
}

// waitForIdle blocks until no call is active (or immediately when
// processing during calls is allowed). Returns false on shutdown.
func (q *Queue) waitForIdle(ctx context.Context) bool {
	if q.cfg.AllowDuringCall {
		return true
	}
	for q.phoneActive() {
		if !sleep(ctx, gateTick) {
			return false
		}
	}
	return true
}

// waitForCooldown blocks until the cooldown since the last recording has
// elapsed. Returns false on shutdown.
func (q *Queue) waitForCooldown(ctx context.Context, logger zerolog.Logger) bool {
	for {
		last := time.Unix(0, q.lastRecording.Load())
		remaining := q.cfg.Cooldown - time.Since(last)
		if remaining <= 0 {
			return true
		}
		logger.Debug().
			Str("event", "enrich.cooldown").
			Dur("remaining", remaining).
			Msg("waiting out cooldown")
		wait := remaining
		if wait > gateTick {
			wait = gateTick
		}
		if !sleep(ctx, wait) {
			return false
		}
	}
}

func (q *Queue) push(job Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.queued[job.Filename] = struct{}{}
	depth := len(q.jobs)
	q.mu.Unlock()
	metrics.EnrichmentQueueDepth.Set(float64(depth))
	q.wake()
}

func (q *Queue) pushIfAbsent(job Job) bool {
	q.mu.Lock()
	if _, ok := q.queued[job.Filename]; ok {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.queued[job.Filename] = struct{}{}
	depth := len(q.jobs)
	q.mu.Unlock()
	metrics.EnrichmentQueueDepth.Set(float64(depth))
	q.wake()
	return true
}

// pop removes the next job, waiting at most timeout so the loop stays
// responsive to shutdown and triggers.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (Job, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			delete(q.queued, job.Filename)
			depth := len(q.jobs)
			q.mu.Unlock()
			metrics.EnrichmentQueueDepth.Set(float64(depth))
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-deadline.C:
			return Job{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// consumeTrigger reports whether a forced rescan was requested, either via
// the API or by touching the trigger file.
func (q *Queue) consumeTrigger() bool {
	if q.forceScan.Swap(false) {
		return true
	}
	if _, err := os.Stat(q.triggerFile); err == nil {
		if err := os.Remove(q.triggerFile); err != nil {
			q.logger.Warn().Err(err).Msg("trigger file removal failed")
		}
		return true
	}
	return false
}

// startTriggerWatcher watches the recordings directory for the trigger
// file. Failure is non-fatal; the poll in consumeTrigger covers it.
func (q *Queue) startTriggerWatcher(ctx context.Context) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		q.logger.Warn().Err(err).Str("event", "enrich.watcher_failed").Msg("trigger watcher unavailable, polling only")
		return nil
	}
	if err := watcher.Add(filepath.Dir(q.triggerFile)); err != nil {
		q.logger.Warn().Err(err).Str("event", "enrich.watcher_failed").Msg("trigger watch add failed, polling only")
		_ = watcher.Close()
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == q.triggerFile && (ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write)) {
					q.forceScan.Store(true)
					q.wake()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				q.logger.Debug().Err(err).Msg("trigger watcher error")
			}
		}
	}()
	return watcher
}

// sleep waits for d, returning false if the context ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
