package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueRunsTaskToSuccess(t *testing.T) {
	q := New(2, 10)
	var ran int32
	ok := q.Enqueue(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := New(1, 1)
	q.Enqueue(func(ctx context.Context) error {
		<-block
		return nil
	})

	ok := q.Enqueue(func(ctx context.Context) error { return nil })
	require.False(t, ok, "queue at capacity must reject new tasks")
	require.Equal(t, int64(1), q.Stats().Dropped)

	close(block)
}

func TestTaskRetriesThenSucceeds(t *testing.T) {
	q := New(1, 10, WithRetryDelay(time.Millisecond))
	var attempts int32
	q.Enqueue(func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, q.Stats().Retried, int64(1))
}

func TestTaskFailsAfterMaxAttempts(t *testing.T) {
	q := New(1, 10, WithRetryDelay(time.Millisecond), WithMaxAttempts(2))
	q.Enqueue(func(ctx context.Context) error {
		return errors.New("always fails")
	})

	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, time.Second, time.Millisecond)
}

func TestLenReflectsPendingAndInFlight(t *testing.T) {
	block := make(chan struct{})
	q := New(1, 10)
	q.Enqueue(func(ctx context.Context) error {
		<-block
		return nil
	})
	q.Enqueue(func(ctx context.Context) error { return nil })

	require.Equal(t, 2, q.Len())
	close(block)

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, time.Second, time.Millisecond)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	q := New(1, 10)
	done := make(chan struct{})
	q.Enqueue(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		close(done)
		return nil
	})

	q.Shutdown()
	select {
	case <-done:
	default:
		t.Fatal("Shutdown returned before in-flight task completed")
	}

	ok := q.Enqueue(func(ctx context.Context) error { return nil })
	require.False(t, ok, "stopped queue must reject new tasks")
}
