package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStartStopsOnContextCancel(t *testing.T) {
	m := NewManager(Options{ShutdownTimeout: time.Second})
	m.AddWorker("blocker", blockUntilCancelled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "context cancellation is a clean stop")
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop after context cancel")
	}
}

func TestWorkerFailureBringsDaemonDown(t *testing.T) {
	m := NewManager(Options{ShutdownTimeout: time.Second})
	boom := errors.New("boom")
	m.AddWorker("failing", func(ctx context.Context) error { return boom })
	m.AddWorker("blocker", blockUntilCancelled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := m.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "worker failing")
}

func TestShutdownHooksRunLIFO(t *testing.T) {
	m := NewManager(Options{ShutdownTimeout: time.Second})

	var mu sync.Mutex
	var order []string
	hook := func(name string) ShutdownHook {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	m.RegisterShutdownHook("first", hook("first"))
	m.RegisterShutdownHook("second", hook("second"))
	m.RegisterShutdownHook("third", hook("third"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestShutdownHookErrorIsReported(t *testing.T) {
	m := NewManager(Options{ShutdownTimeout: time.Second})
	m.RegisterShutdownHook("ok", func(ctx context.Context) error { return nil })
	m.RegisterShutdownHook("broken", func(ctx context.Context) error {
		return errors.New("close failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook broken")
}

func TestStartTwiceFails(t *testing.T) {
	m := NewManager(Options{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	time.Sleep(20 * time.Millisecond)

	err := m.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	cancel()
	require.NoError(t, <-done)
}

func TestStuckWorkerDoesNotBlockExit(t *testing.T) {
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	m := NewManager(Options{ShutdownTimeout: 100 * time.Millisecond})
	m.AddWorker("stuck", func(ctx context.Context) error {
		<-stuck
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager blocked on a stuck worker")
	}
}
