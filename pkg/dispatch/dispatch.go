// Package dispatch routes delivered nostr events to the right handler:
// processed-event deduplication, self-author dropping, receipt/balance-query
// branching, the rate-limit gate, and work-queue enqueue for everything
// that needs a full conversational reply.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lol.mleku.dev/log"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/queue"
	"zapai.dev/pkg/ratelimit"
)

const processedSetCap = 1000
const fingerprintTTL = 5 * time.Minute

// Counters are the process-wide counters the observability surface reads.
type Counters struct {
	Received     int64
	Sent         int64
	Dropped      int64
	RateLimited  int64
	Errors       int64
}

// Dispatcher routes delivered events to the accounting engine or the work
// queue.
type Dispatcher struct {
	botPubkeyHex string
	limiter      *ratelimit.Limiter
	wq           *queue.Queue

	// ProcessEvent runs the full per-task pipeline (pkg/processor) for a
	// PrivateMessage or PublicPost. Invoked from inside the work queue.
	ProcessEvent func(ctx context.Context, sourceURL string, ev *event.E) error
	// HandleReceipt credits a parsed Receipt event.
	HandleReceipt func(ctx context.Context, ev *event.E)
	// HandleBalanceQuery replies to a BalanceQuery event.
	HandleBalanceQuery func(ctx context.Context, ev *event.E)
	// Notify sends a best-effort notice to principal (rate-limit,
	// overloaded, etc), channel-appropriate per the originating kind.
	Notify func(ctx context.Context, principal string, isPrivate bool, text string)

	mu        sync.Mutex
	processed []string
	processedSet map[string]struct{}

	fpMu         sync.Mutex
	fingerprints map[string]time.Time

	countersMu sync.Mutex
	counters   Counters
}

// New constructs a Dispatcher for botPubkeyHex, gating on limiter and
// enqueueing work onto wq.
func New(botPubkeyHex string, limiter *ratelimit.Limiter, wq *queue.Queue) *Dispatcher {
	d := &Dispatcher{
		botPubkeyHex: botPubkeyHex,
		limiter:      limiter,
		wq:           wq,
		processedSet: make(map[string]struct{}),
		fingerprints: make(map[string]time.Time),
	}
	go d.sweepFingerprints()
	return d
}

// HandleEvent runs the dispatch pipeline for one delivered event: dedup,
// self-author drop, receipt/balance-query routing, rate limiting, and
// work-queue enqueue.
func (d *Dispatcher) HandleEvent(ctx context.Context, sourceURL string, ev *event.E) {
	d.bump(func(c *Counters) { c.Received++ })

	id := fmt.Sprintf("%x", ev.Id)
	if d.alreadyProcessed(id) {
		return
	}

	author := fmt.Sprintf("%x", ev.Pubkey)
	if author == d.botPubkeyHex {
		return
	}

	switch ev.Kind {
	case kind.Receipt:
		if d.HandleReceipt != nil {
			d.HandleReceipt(ctx, ev)
		}
		return
	case kind.BalanceQuery:
		if d.HandleBalanceQuery != nil {
			d.HandleBalanceQuery(ctx, ev)
		}
		return
	}

	if ev.Kind != kind.PrivateMessage && ev.Kind != kind.PublicPost {
		return
	}

	isPrivate := ev.Kind == kind.PrivateMessage

	res := d.limiter.Check(author, 1)
	if !res.Allowed {
		d.bump(func(c *Counters) { c.RateLimited++ })
		if isPrivate && d.Notify != nil {
			d.Notify(ctx, author, true, fmt.Sprintf(
				"You're sending messages too quickly. Try again in %ds.", res.RetryAfter,
			))
		}
		return
	}

	enqueued := d.wq.EnqueueTask(
		func(taskCtx context.Context) error {
			err := d.ProcessEvent(taskCtx, sourceURL, ev)
			if err != nil {
				d.bump(func(c *Counters) { c.Errors++ })
			} else {
				d.bump(func(c *Counters) { c.Sent++ })
			}
			return err
		},
		func(err error, exhausted bool) {
			if exhausted && d.Notify != nil {
				d.Notify(context.Background(), author, true,
					"Sorry, I ran into a problem handling your message. Please try again.")
			}
		},
	)
	if !enqueued {
		d.bump(func(c *Counters) { c.Dropped++ })
		log.W.F("dispatch: queue full, dropping event %s from %s", id, author)
		if isPrivate && d.Notify != nil {
			d.Notify(ctx, author, true, "I'm overloaded right now, please try again shortly.")
		}
	}
}

func (d *Dispatcher) alreadyProcessed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.processedSet[id]; ok {
		return true
	}
	d.processedSet[id] = struct{}{}
	d.processed = append(d.processed, id)
	if len(d.processed) > processedSetCap {
		oldest := d.processed[0]
		d.processed = d.processed[1:]
		delete(d.processedSet, oldest)
	}
	return false
}

// Fingerprint is principal + ":" + plaintext, a finer-grained dedup key
// than the event id alone, used by the Processor after decryption.
func Fingerprint(principal, plaintext string) string {
	return principal + ":" + plaintext
}

// CheckAndMarkFingerprint reports whether fp has been seen within the TTL
// window; if not, it marks it seen and returns false.
func (d *Dispatcher) CheckAndMarkFingerprint(fp string) (duplicate bool) {
	d.fpMu.Lock()
	defer d.fpMu.Unlock()
	if seenAt, ok := d.fingerprints[fp]; ok && time.Since(seenAt) < fingerprintTTL {
		return true
	}
	d.fingerprints[fp] = time.Now()
	return false
}

func (d *Dispatcher) sweepFingerprints() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for range t.C {
		d.fpMu.Lock()
		for fp, seenAt := range d.fingerprints {
			if time.Since(seenAt) >= fingerprintTTL {
				delete(d.fingerprints, fp)
			}
		}
		d.fpMu.Unlock()
	}
}

func (d *Dispatcher) bump(fn func(*Counters)) {
	d.countersMu.Lock()
	defer d.countersMu.Unlock()
	fn(&d.counters)
}

// Counters returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Counters() Counters {
	d.countersMu.Lock()
	defer d.countersMu.Unlock()
	return d.counters
}
