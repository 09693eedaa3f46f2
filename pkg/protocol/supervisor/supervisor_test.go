package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/interfaces/relay"
)

func newTestSupervisor(handler Handler) *Supervisor {
	dial := func(url string) relay.Client { return nil }
	if handler == nil {
		handler = func(sourceURL string, ev *event.E) {}
	}
	return New([]byte("bot"), dial, handler)
}

func TestDrainReturnsDeliveredFalseOnImmediateClose(t *testing.T) {
	s := newTestSupervisor(nil)
	frames := make(chan relay.Frame)
	close(frames)

	delivered, err := s.drain(context.Background(), "wss://relay", frames)
	require.False(t, delivered)
	require.Error(t, err)
}

func TestDrainReturnsDeliveredTrueAfterAnEvent(t *testing.T) {
	s := newTestSupervisor(nil)
	frames := make(chan relay.Frame, 2)
	frames <- relay.Frame{Kind: relay.FrameEvent, Event: &event.E{Content: "hi"}}
	close(frames)

	delivered, err := s.drain(context.Background(), "wss://relay", frames)
	require.True(t, delivered, "an event frame with a non-nil event must mark the connection as having delivered")
	require.Error(t, err, "channel closing after the event still surfaces the stream-closed error")
}

func TestDrainReturnsNoErrorOnCleanCancellation(t *testing.T) {
	s := newTestSupervisor(nil)
	frames := make(chan relay.Frame)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	delivered, err := s.drain(ctx, "wss://relay", frames)
	require.False(t, delivered)
	require.NoError(t, err, "a canceled context is a clean shutdown, not a stream failure")
}

func TestDrainReportsErrorOnRelayClosedFrame(t *testing.T) {
	s := newTestSupervisor(nil)
	frames := make(chan relay.Frame, 1)
	frames <- relay.Frame{Kind: relay.FrameClosed, Reason: "rate-limited"}

	delivered, err := s.drain(context.Background(), "wss://relay", frames)
	require.False(t, delivered)
	require.ErrorContains(t, err, "rate-limited")
}

func TestDrainInvokesHandlerForEachDeliveredEvent(t *testing.T) {
	var seen []string
	s := newTestSupervisor(func(sourceURL string, ev *event.E) {
		seen = append(seen, ev.Content)
	})
	frames := make(chan relay.Frame, 3)
	frames <- relay.Frame{Kind: relay.FrameEvent, Event: &event.E{Content: "one"}}
	frames <- relay.Frame{Kind: relay.FrameEvent, Event: &event.E{Content: "two"}}
	close(frames)

	delivered, err := s.drain(context.Background(), "wss://relay", frames)
	require.True(t, delivered)
	require.Error(t, err)
	require.Equal(t, []string{"one", "two"}, seen)
}

func TestPublishWithNoLiveRelaysReturnsNoResults(t *testing.T) {
	s := newTestSupervisor(nil)
	results := s.Publish(context.Background(), &event.E{Content: "hi"})
	require.Empty(t, results)
}

func TestSleepBackoffHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := sleepBackoff(ctx, 1)
	require.False(t, ok, "a canceled context must abort the backoff wait")
}
