package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/queue"
	"zapai.dev/pkg/ratelimit"
)

const testBotPubkeyRaw = "bot"

var testBotPubkeyHex = fmt.Sprintf("%x", []byte(testBotPubkeyRaw))

func newTestDispatcher(maxTokens, refillRate float64) *Dispatcher {
	limiter := ratelimit.New(maxTokens, refillRate)
	wq := queue.New(4, 4)
	return New(testBotPubkeyHex, limiter, wq)
}

func TestHandleEventDropsSelfAuthoredEvents(t *testing.T) {
	d := newTestDispatcher(10, 1)
	var processed bool
	d.ProcessEvent = func(ctx context.Context, sourceURL string, ev *event.E) error {
		processed = true
		return nil
	}

	ev := &event.E{Id: []byte{1}, Pubkey: []byte(testBotPubkeyRaw), Kind: kind.PublicPost}
	d.HandleEvent(context.Background(), "wss://relay", ev)

	require.False(t, processed, "dispatcher must not enqueue events authored by the bot itself")
	require.Equal(t, int64(1), d.Counters().Received)
}

func TestHandleEventDedupsByEventID(t *testing.T) {
	d := newTestDispatcher(10, 1)
	var count int
	var mu sync.Mutex
	done := make(chan struct{}, 2)
	d.ProcessEvent = func(ctx context.Context, sourceURL string, ev *event.E) error {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	ev := &event.E{Id: []byte{9, 9, 9}, Pubkey: []byte("alice"), Kind: kind.PublicPost}
	d.HandleEvent(context.Background(), "wss://relay", ev)
	d.HandleEvent(context.Background(), "wss://relay", ev)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task to run")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count, "duplicate event id must be processed only once")
}

func TestHandleEventRoutesReceiptAndBalanceQuery(t *testing.T) {
	d := newTestDispatcher(10, 1)
	var receiptSeen, balanceSeen, processSeen bool
	d.HandleReceipt = func(ctx context.Context, ev *event.E) { receiptSeen = true }
	d.HandleBalanceQuery = func(ctx context.Context, ev *event.E) { balanceSeen = true }
	d.ProcessEvent = func(ctx context.Context, sourceURL string, ev *event.E) error {
		processSeen = true
		return nil
	}

	d.HandleEvent(context.Background(), "wss://relay", &event.E{Id: []byte{1}, Pubkey: []byte("alice"), Kind: kind.Receipt})
	d.HandleEvent(context.Background(), "wss://relay", &event.E{Id: []byte{2}, Pubkey: []byte("alice"), Kind: kind.BalanceQuery})

	require.True(t, receiptSeen)
	require.True(t, balanceSeen)
	require.False(t, processSeen)
}

func TestHandleEventRateLimitsAndNotifies(t *testing.T) {
	d := newTestDispatcher(1, 0.0001)
	var notified string
	var mu sync.Mutex
	d.Notify = func(ctx context.Context, principal string, isPrivate bool, text string) {
		mu.Lock()
		notified = text
		mu.Unlock()
	}
	d.ProcessEvent = func(ctx context.Context, sourceURL string, ev *event.E) error { return nil }

	d.HandleEvent(context.Background(), "wss://relay", &event.E{Id: []byte{1}, Pubkey: []byte("alice"), Kind: kind.PrivateMessage})
	d.HandleEvent(context.Background(), "wss://relay", &event.E{Id: []byte{2}, Pubkey: []byte("alice"), Kind: kind.PrivateMessage})

	require.Equal(t, int64(1), d.Counters().RateLimited)
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, notified, "too quickly")
}

func TestHandleEventDropsAndNotifiesOnceWhenQueueIsOverloaded(t *testing.T) {
	limiter := ratelimit.New(100, 100)
	wq := queue.New(1, 1)
	d := New(testBotPubkeyHex, limiter, wq)

	blockUntil := make(chan struct{})
	d.ProcessEvent = func(ctx context.Context, sourceURL string, ev *event.E) error {
		<-blockUntil
		return nil
	}
	var notifications []string
	var mu sync.Mutex
	d.Notify = func(ctx context.Context, principal string, isPrivate bool, text string) {
		mu.Lock()
		notifications = append(notifications, text)
		mu.Unlock()
	}

	// first event occupies the one in-flight slot and blocks there.
	d.HandleEvent(context.Background(), "wss://relay", &event.E{Id: []byte{1}, Pubkey: []byte("alice"), Kind: kind.PrivateMessage})
	time.Sleep(20 * time.Millisecond)

	// second event is rejected: one in-flight slot already used, queue
	// capacity is exactly 1, so there's no room to even enqueue a second.
	d.HandleEvent(context.Background(), "wss://relay", &event.E{Id: []byte{2}, Pubkey: []byte("alice"), Kind: kind.PrivateMessage})

	close(blockUntil)

	require.Equal(t, int64(1), d.Counters().Dropped)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notifications, 1, "the sender must be notified exactly once about the overload")
	require.Contains(t, notifications[0], "overloaded")
}

func TestFingerprintIsDeterministicAndPrincipalScoped(t *testing.T) {
	require.Equal(t, Fingerprint("alice", "hello"), Fingerprint("alice", "hello"))
	require.NotEqual(t, Fingerprint("alice", "hello"), Fingerprint("bob", "hello"))
}

func TestCheckAndMarkFingerprintDedupsWithinTTL(t *testing.T) {
	d := newTestDispatcher(10, 1)
	fp := Fingerprint("alice", "hello")

	require.False(t, d.CheckAndMarkFingerprint(fp), "first sighting must not be a duplicate")
	require.True(t, d.CheckAndMarkFingerprint(fp), "second sighting within the TTL window must be a duplicate")
}
