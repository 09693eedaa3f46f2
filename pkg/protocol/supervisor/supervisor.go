// Package supervisor runs one subscription loop per configured relay,
// reconnecting with backoff on failure, and fans publishes out across every
// currently-live relay connection.
package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/filter"
	"zapai.dev/pkg/encoders/filters"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/relay"
	context "zapai.dev/pkg/utils/context"
)

const (
	backoffBase       = 5 * time.Second
	backoffCap        = 60 * time.Second
	defaultMaxFails   = 5
	publishTimeoutDef = 8 * time.Second
)

// Health is the per-relay status record exposed on the observability
// surface.
type Health struct {
	URL         string
	Connected   bool
	LastSeen    timestamp.T
	Received    uint64
	Sent        uint64
	LastError   string
	Permanently bool
}

// Dialer constructs a relay.Client for a URL; pkg/protocol/wsrelay.New
// satisfies this in production, tests substitute a fake.
type Dialer func(url string) relay.Client

// Handler receives every event frame the supervisor delivers, bound to its
// originating relay URL.
type Handler func(sourceURL string, ev *event.E)

// Supervisor owns one connection per configured relay.
type Supervisor struct {
	dial           Dialer
	handler        Handler
	publishTimeout time.Duration
	maxFails       int
	botPubkey      []byte

	health *xsync.MapOf[string, *Health]
	relays *xsync.MapOf[string, relay.Client]

	wg     sync.WaitGroup
	cancel context.F
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPublishTimeout overrides the default per-relay publish deadline.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.publishTimeout = d }
}

// WithMaxConsecutiveFailures overrides the permanent-failure threshold.
func WithMaxConsecutiveFailures(n int) Option {
	return func(s *Supervisor) { s.maxFails = n }
}

// New constructs a Supervisor for botPubkey, dialing relays with dial and
// delivering event frames to handler.
func New(botPubkey []byte, dial Dialer, handler Handler, opts ...Option) *Supervisor {
	s := &Supervisor{
		dial:           dial,
		handler:        handler,
		publishTimeout: publishTimeoutDef,
		maxFails:       defaultMaxFails,
		botPubkey:      botPubkey,
		health:         xsync.NewMapOf[string, *Health](),
		relays:         xsync.NewMapOf[string, relay.Client](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// bootFilters builds the bot's startup subscription filter: the four kinds
// it reacts to, scoped to events tagging its own principal, since = the time
// the filter is built. Run builds it once, so every reconnect resends the
// same since and events from before startup are never replayed.
func bootFilters(botPubkeyHex string) *filters.T {
	now := timestamp.Now()
	kinds := []kind.K{kind.PrivateMessage, kind.PublicPost, kind.Receipt, kind.BalanceQuery}
	f := filter.New()
	f.Kinds = kinds
	f.Since = &now
	f.WithTag("p", botPubkeyHex)
	return filters.New(f)
}

// Run starts one subscription loop per url and blocks until every loop has
// exited: on ctx cancellation each loop tears down its subscription, and a
// loop also exits once its relay is marked permanently failed.
func (s *Supervisor) Run(ctx context.T, urls []string, botPubkeyHex string) {
	runCtx, cancel := context.Cancel(ctx)
	s.cancel = cancel
	ff := bootFilters(botPubkeyHex)
	for _, u := range urls {
		s.health.Store(u, &Health{URL: u})
		s.wg.Add(1)
		go s.loop(runCtx, u, ff)
	}
	s.wg.Wait()
}

// Shutdown cancels every subscription loop and waits for them to exit.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.T, url string, ff *filters.T) {
	defer s.wg.Done()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		client := s.dial(url)
		if err := client.Open(ctx); err != nil {
			fails++
			s.recordError(url, err)
			if fails >= s.maxFails {
				s.markPermanentlyFailed(url)
				return
			}
			if !sleepBackoff(ctx, fails) {
				return
			}
			continue
		}
		s.relays.Store(url, client)

		frames, err := client.Subscribe(ctx, url, ff)
		if err != nil {
			s.relays.Delete(url)
			_ = client.Close()
			fails++
			s.recordError(url, err)
			if fails >= s.maxFails {
				s.markPermanentlyFailed(url)
				return
			}
			if !sleepBackoff(ctx, fails) {
				return
			}
			continue
		}

		delivered, streamErr := s.drain(ctx, url, frames)
		s.relays.Delete(url)
		_ = client.Close()
		if streamErr == nil {
			// clean teardown (context canceled); caller loop exits on next check.
			fails = 0
			continue
		}
		if delivered {
			// the connection proved itself before failing, so the next
			// reconnect attempt starts with a full failure budget instead
			// of carrying forward fails accumulated across unrelated,
			// long-past disconnects.
			fails = 0
		}
		fails++
		s.recordError(url, streamErr)
		if fails >= s.maxFails {
			s.markPermanentlyFailed(url)
			return
		}
		if !sleepBackoff(ctx, fails) {
			return
		}
	}
}

// drain consumes frames until the channel closes (stream error or close
// frame) or ctx is canceled. It returns whether at least one event was
// delivered to the handler before returning, so the caller can reset its
// consecutive-failure counter on a connection that worked for a while
// before dropping.
func (s *Supervisor) drain(ctx context.T, url string, frames <-chan relay.Frame) (delivered bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case f, ok := <-frames:
			if !ok {
				return delivered, errors.New("subscription stream closed")
			}
			switch f.Kind {
			case relay.FrameEvent:
				s.markConnected(url)
				s.bumpReceived(url)
				if f.Event != nil {
					delivered = true
					s.handler(url, f.Event)
				}
			case relay.FrameEOSE:
				s.markConnected(url)
			case relay.FrameClosed:
				return delivered, fmt.Errorf("relay closed subscription: %s", f.Reason)
			}
		}
	}
}

// Publish fans ev out to every relay with a live client, respecting the
// per-relay publish deadline, and returns a result vector.
func (s *Supervisor) Publish(ctx context.T, ev *event.E) []relay.PublishResult {
	var urls []string
	s.relays.Range(func(u string, _ relay.Client) bool {
		urls = append(urls, u)
		return true
	})

	results := make([]relay.PublishResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			client, ok := s.relays.Load(u)
			if !ok {
				results[i] = relay.PublishResult{URL: u, Success: false, Error: errors.New("not connected")}
				return
			}
			pctx, cancel := context.Timeout(ctx, s.publishTimeout)
			defer cancel()
			err := client.Publish(pctx, ev)
			if err != nil {
				if isPolicyRejection(err) {
					log.W.F("{%s} publish rejected by policy: %v", u, err)
				} else {
					log.E.F("{%s} publish failed: %v", u, err)
				}
				s.recordError(u, err)
				results[i] = relay.PublishResult{URL: u, Success: false, Error: err}
				return
			}
			s.bumpSent(u)
			results[i] = relay.PublishResult{URL: u, Success: true}
		}(i, u)
	}
	wg.Wait()
	return results
}

// QueryOne issues f against one connected relay and returns the first
// matching event, or nil if none arrives before timeout.
func (s *Supervisor) QueryOne(ctx context.T, f *filter.F, timeout time.Duration) (*event.E, error) {
	var url string
	var client relay.Client
	s.relays.Range(func(u string, c relay.Client) bool {
		url, client = u, c
		return false
	})
	if client == nil {
		return nil, errors.New("no connected relay available")
	}
	qctx, cancel := context.Timeout(ctx, timeout)
	defer cancel()
	frames, err := client.Subscribe(qctx, "query:"+url, filters.New(f))
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-qctx.Done():
			return nil, nil
		case fr, ok := <-frames:
			if !ok {
				return nil, nil
			}
			if fr.Kind == relay.FrameEvent {
				return fr.Event, nil
			}
			if fr.Kind == relay.FrameEOSE {
				return nil, nil
			}
		}
	}
}

// Delivered reports whether at least one relay in results accepted the
// publish.
func Delivered(results []relay.PublishResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

func isPolicyRejection(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "pow") || strings.Contains(s, "restricted") ||
		strings.Contains(s, "proof of work") || strings.Contains(s, "blocked")
}

// Health returns a snapshot of every relay's health record.
func (s *Supervisor) Health() []Health {
	var out []Health
	s.health.Range(func(_ string, h *Health) bool {
		out = append(out, *h)
		return true
	})
	return out
}

func (s *Supervisor) markConnected(url string) {
	s.withHealth(url, func(h *Health) {
		h.Connected = true
		h.LastSeen = timestamp.Now()
	})
}

func (s *Supervisor) bumpReceived(url string) {
	s.withHealth(url, func(h *Health) { h.Received++ })
}

func (s *Supervisor) bumpSent(url string) {
	s.withHealth(url, func(h *Health) { h.Sent++ })
}

func (s *Supervisor) recordError(url string, err error) {
	s.withHealth(url, func(h *Health) {
		h.Connected = false
		h.LastError = err.Error()
	})
}

func (s *Supervisor) markPermanentlyFailed(url string) {
	s.withHealth(url, func(h *Health) {
		h.Connected = false
		h.Permanently = true
	})
	log.E.F("{%s} permanently failed after repeated reconnect attempts", url)
}

func (s *Supervisor) withHealth(url string, fn func(*Health)) {
	h, _ := s.health.LoadOrCompute(url, func() *Health { return &Health{URL: url} })
	fn(h)
	s.health.Store(url, h)
}

// sleepBackoff sleeps the exponential backoff for the given consecutive
// failure count, returning false if ctx is canceled first.
func sleepBackoff(ctx context.T, fails int) bool {
	d := backoffBase * time.Duration(1<<uint(fails-1))
	if d > backoffCap {
		d = backoffCap
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
