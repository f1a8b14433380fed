// Package enrich runs the background pipeline that turns saved recordings
// into transcribed, summarized metadata. It processes strictly outside call
// windows and survives connectivity loss, crashes and API failures without
// ever disturbing call handling.
package enrich

import (
	"context"
	"time"

	"github.com/mkaserer/hookbook/internal/store"
)

// Job is one recording queued for enrichment.
type Job struct {
	ID         string
	FilePath   string
	Filename   string
	EnqueuedAt time.Time
}

// Processor produces enriched metadata for a recording. A nil result with a
// nil error means the recording is definitively empty (e.g. silence) and
// should be discarded rather than retried. Implementations apply their own
// retry policy for the external call before surfacing an error.
type Processor interface {
	Process(ctx context.Context, path, filename string) (*store.Result, error)
}

// MetadataStore is the persistence surface the queue needs. *store.Store
// satisfies it; tests substitute fakes.
type MetadataStore interface {
	Initialize(ctx context.Context, filename string, sizeBytes int64, duration time.Duration) error
	MarkProcessing(ctx context.Context, filename string) error
	MarkPending(ctx context.Context, filename string) error
	MarkSkipped(ctx context.Context, filename string) error
	MarkCompleted(ctx context.Context, filename string, result store.Result) error
	MarkFailed(ctx context.Context, filename, errMsg string) error
	Get(ctx context.Context, filename string) (store.Recording, error)
	List(ctx context.Context) ([]store.Recording, error)
	Unprocessed(ctx context.Context) ([]store.Recording, error)
	Remove(ctx context.Context, filename string) error
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ConnectivityChecker reports whether the external API is reachable.
// Implementations may cache; staleness up to about a minute is acceptable.
type ConnectivityChecker interface {
	Available(ctx context.Context) bool
}

// PhoneStateFunc reports whether a call session is currently active.
type PhoneStateFunc func() bool

// ProcessingStateFunc is invoked on the processing start/stop edges,
// exactly once each per job. Consumed by the visual indicator layer.
type ProcessingStateFunc func(processing bool)
