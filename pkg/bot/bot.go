// Package bot wires every collaborator into the running ZapAI process:
// relay supervisor, dispatcher, work queue, processor, AI client and
// circuit breaker, rate limiter, and the session store.
package bot

import (
	"context"
	"fmt"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/aiclient"
	"zapai.dev/pkg/breaker"
	"zapai.dev/pkg/config"
	"zapai.dev/pkg/crypto/envelope"
	"zapai.dev/pkg/crypto/keys"
	"zapai.dev/pkg/dispatch"
	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/hex"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/encoders/tag"
	"zapai.dev/pkg/encoders/tags"
	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/relay"
	"zapai.dev/pkg/processor"
	"zapai.dev/pkg/protocol/supervisor"
	"zapai.dev/pkg/protocol/wsrelay"
	"zapai.dev/pkg/queue"
	"zapai.dev/pkg/ratelimit"
	"zapai.dev/pkg/session"
)

// Bot owns every long-running collaborator and the goroutines driving them.
type Bot struct {
	cfg        *config.C
	store      *session.D
	signer     *keys.Signer
	supervisor *supervisor.Supervisor
	limiter    *ratelimit.Limiter
	queue      *queue.Queue
	breaker    *breaker.Breaker
	ai         *aiclient.Client
	dispatcher *dispatch.Dispatcher
	processor  *processor.Processor

	started time.Time
}

// New constructs every collaborator from cfg. The only goroutine it starts
// is the dispatcher's fingerprint sweeper; call Run to start the rest.
func New(ctx context.Context, cfg *config.C) (*Bot, error) {
	sec, err := keys.DecodeSecret(cfg.BotPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("bot: decode private key: %w", err)
	}
	signer := &keys.Signer{}
	if err := signer.InitSec(sec); err != nil {
		return nil, fmt.Errorf("bot: init signer: %w", err)
	}
	botPubkeyHex := fmt.Sprintf("%x", signer.Pub())

	store := session.New()
	if err := store.Init(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("bot: init store: %w", err)
	}

	cb := breaker.New()
	ai, err := aiclient.New(ctx, cfg.GeminiAPIKey, aiclient.Config{
		Model:                "",
		BotName:              cfg.BotName,
		EnableSessionReuse:   cfg.EnableChatSessionReuse,
		SessionTTL:           cfg.ChatSessionTTL,
		MaxSessions:          cfg.MaxChatSessions,
		EnableMemorySummary:  cfg.EnableMemorySummary,
		MemorySummaryMinMsgs: cfg.MemorySummaryMinMessages,
	}, cb)
	if err != nil {
		return nil, fmt.Errorf("bot: init ai client: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimitMaxTokens, cfg.RateLimitRefillRate)

	wq := queue.New(cfg.MaxConcurrent, cfg.MaxQueueSize, queue.WithAttemptTimeout(cfg.QueueTimeout))

	b := &Bot{cfg: cfg, store: store, signer: signer, limiter: limiter, queue: wq, breaker: cb, ai: ai}

	dial := func(url string) relay.Client { return wsrelay.New(url) }
	b.supervisor = supervisor.New(signer.Pub(), dial, b.onEvent, supervisor.WithPublishTimeout(cfg.RelayPublishTimeout))

	d := dispatch.New(botPubkeyHex, limiter, wq)
	d.HandleReceipt = b.handleReceipt
	d.HandleBalanceQuery = b.handleBalanceQuery
	d.Notify = b.notify
	b.dispatcher = d

	proc := processor.New(
		processor.Config{
			BotPubkeyHex:       botPubkeyHex,
			ProfileCacheTTL:    cfg.UserMetadataCacheTTL,
			ProfileFastTimeout: cfg.UserMetadataFastTimeout,
			ResponseDelay:      cfg.BotResponseDelay,
		},
		store, signer, ai, d,
		b.supervisor.Publish, b.supervisor.QueryOne,
	)
	b.processor = proc
	d.ProcessEvent = proc.Process

	return b, nil
}

// onEvent is the supervisor.Handler bound to the dispatcher.
func (b *Bot) onEvent(sourceURL string, ev *event.E) {
	b.dispatcher.HandleEvent(context.Background(), sourceURL, ev)
}

// Run starts every background goroutine and blocks until the supervisor's
// Run returns: when ctx is canceled, or once every relay has been marked
// permanently failed.
func (b *Bot) Run(ctx context.Context) {
	b.started = time.Now()
	b.limiter.StartSweeper()
	b.supervisor.Run(ctx, b.cfg.Relays, fmt.Sprintf("%x", b.signer.Pub()))
}

// Shutdown tears every collaborator down in dependency order: stop
// accepting new subscription frames, drain the queue, stop the limiter
// sweeper, then close the store.
func (b *Bot) Shutdown() {
	b.supervisor.Shutdown()
	b.queue.Shutdown()
	b.limiter.Stop()
	if err := b.store.Close(); chk.E(err) {
		log.W.Ln("bot: error closing store on shutdown")
	}
}

// handleReceipt credits a delivered zap receipt to its sender's balance,
// thanks them with a public post, then announces their new balance.
func (b *Bot) handleReceipt(ctx context.Context, ev *event.E) {
	parsed, ok := accounting.ParseReceipt(ev)
	if !ok {
		log.W.F("bot: unparseable or zero-amount receipt %x", ev.Id)
		return
	}
	bal, err := accounting.Credit(b.store, ev, parsed, int64(ev.CreatedAt))
	if err != nil {
		log.E.F("bot: credit failed for %s: %v", parsed.Sender, err)
		return
	}
	log.I.F("bot: credited %d sats to %s, new balance %d", parsed.Sats, parsed.Sender, bal.Sats)
	b.thankSender(ctx, parsed.Sender, parsed.Sats)
	b.announceBalance(ctx, parsed.Sender)
}

// thankSender publishes a public post crediting sender for their zap, so
// the thank-you is visible on the timeline rather than only in the balance
// announcement.
func (b *Bot) thankSender(ctx context.Context, sender string, sats int64) {
	post := &event.E{
		CreatedAt: timestamp.Now(),
		Kind:      kind.PublicPost,
		Content:   fmt.Sprintf("Thanks for the zap! %d sats credited to your balance.", sats),
		Tags:      tags.New(tag.New("p", sender)),
	}
	if err := post.Sign(b.signer); err != nil {
		log.W.F("bot: sign thank-you post for %s: %v", sender, err)
		return
	}
	b.supervisor.Publish(ctx, post)
}

// handleBalanceQuery implements the BalanceQuery kind's direct reply path,
// bypassing the work queue since it needs no AI call.
func (b *Bot) handleBalanceQuery(ctx context.Context, ev *event.E) {
	principal := fmt.Sprintf("%x", ev.Pubkey)
	b.announceBalance(ctx, principal)
}

func (b *Bot) announceBalance(ctx context.Context, principal string) {
	bal, err := b.store.GetBalance(principal)
	if err != nil {
		log.W.F("bot: get balance for %s: %v", principal, err)
		return
	}
	ann := &event.E{
		CreatedAt: timestamp.Now(),
		Kind:      kind.BalanceAnnouncement,
		Content:   fmt.Sprintf(`{"balance":%d,"currency":"sats"}`, bal.Sats),
		Tags:      tags.New(tag.New("p", principal), tag.New("balance", fmt.Sprintf("%d", bal.Sats))),
	}
	if err := ann.Sign(b.signer); err != nil {
		log.W.F("bot: sign balance announcement: %v", err)
		return
	}
	b.supervisor.Publish(ctx, ann)
}

// notify sends a best-effort notice to principal: an encrypted DM when
// isPrivate, otherwise a public post. Used for the rate-limit, overload and
// failed-task notices the dispatcher surfaces.
func (b *Bot) notify(ctx context.Context, principal string, isPrivate bool, text string) {
	recipient, err := hex.Dec(principal)
	if err != nil {
		return
	}
	n := &event.E{CreatedAt: timestamp.Now()}
	if isPrivate {
		n.Kind = kind.PrivateMessage
		ct, err := envelope.Encrypt(text, b.signer, recipient)
		if err != nil {
			log.W.F("bot: encrypt notice for %s: %v", principal, err)
			return
		}
		n.Content = ct
	} else {
		n.Kind = kind.PublicPost
		n.Content = text
	}
	n.Tags = tags.New(tag.New("p", principal))
	if err := n.Sign(b.signer); err != nil {
		log.W.F("bot: sign notice: %v", err)
		return
	}
	b.supervisor.Publish(ctx, n)
}

// Counters returns a snapshot of the dispatcher's process-wide counters.
func (b *Bot) Counters() dispatch.Counters { return b.dispatcher.Counters() }

// QueueStats returns a snapshot of the work queue's stats.
func (b *Bot) QueueStats() queue.Stats { return b.queue.Stats() }

// QueueLength reports the work queue's current pending+in-flight length.
func (b *Bot) QueueLength() int { return b.queue.Len() }

// RateLimiterTrackedPrincipals reports how many principals the limiter is
// currently tracking.
func (b *Bot) RateLimiterTrackedPrincipals() int { return b.limiter.Stats() }

// BreakerState reports the circuit breaker's current state.
func (b *Bot) BreakerState() breaker.State { return b.breaker.State() }

// RelayHealth returns a snapshot of every relay's health record.
func (b *Bot) RelayHealth() []supervisor.Health { return b.supervisor.Health() }

// Uptime reports how long the bot has been running.
func (b *Bot) Uptime() time.Duration { return time.Since(b.started) }
