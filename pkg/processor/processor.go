// Package processor runs the full per-event conversational pipeline:
// decrypt, classify, debit, converse with the AI client, and publish the
// reply. This is where a delivered nostr event turns into billed,
// remembered conversation.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/aiclient"
	"zapai.dev/pkg/balanceintent"
	"zapai.dev/pkg/crypto/envelope"
	"zapai.dev/pkg/dispatch"
	"zapai.dev/pkg/encoders/event"
	"zapai.dev/pkg/encoders/filter"
	"zapai.dev/pkg/encoders/kind"
	"zapai.dev/pkg/encoders/tag"
	"zapai.dev/pkg/encoders/tags"
	"zapai.dev/pkg/encoders/timestamp"
	"zapai.dev/pkg/interfaces/relay"
	"zapai.dev/pkg/interfaces/signer"
	"zapai.dev/pkg/interfaces/store"
	"zapai.dev/pkg/result"
)

const (
	historyLimit              = 100
	profileFastTimeoutDefault = 300 * time.Millisecond
	profileCacheTTLDefault    = 6 * time.Hour
)

// PublishFunc and QueryOneFunc narrow *supervisor.Supervisor to the two
// calls the processor needs, so tests can substitute fakes without
// depending on the supervisor package's dial/handler wiring.
type (
	PublishFunc  func(ctx context.Context, ev *event.E) []relay.PublishResult
	QueryOneFunc func(ctx context.Context, f *filter.F, timeout time.Duration) (*event.E, error)
)

// AIClient narrows *aiclient.Client to the two calls the processor needs,
// so tests can substitute a fake without constructing a real genai client.
type AIClient interface {
	Complete(ctx context.Context, req aiclient.Request) string
	Summarize(ctx context.Context, history []store.MessageRecord) (string, error)
}

// Config holds the processor's tunables.
type Config struct {
	BotPubkeyHex       string
	ProfileCacheTTL    time.Duration
	ProfileFastTimeout time.Duration
	ResponseDelay      time.Duration
}

// Processor runs the full pipeline for one delivered event.
type Processor struct {
	cfg        Config
	store      store.I
	signer     signer.I
	ai         AIClient
	publish    PublishFunc
	queryOne   QueryOneFunc
	dispatcher *dispatch.Dispatcher

	fetchMu   sync.Mutex
	fetchWait map[string][]chan struct{}
}

// New constructs a Processor. publish/queryOne are typically
// (*supervisor.Supervisor).Publish/.QueryOne bound by the caller.
func New(
	cfg Config, st store.I, sg signer.I, ai AIClient, d *dispatch.Dispatcher,
	publish PublishFunc, queryOne QueryOneFunc,
) *Processor {
	if cfg.ProfileCacheTTL == 0 {
		cfg.ProfileCacheTTL = profileCacheTTLDefault
	}
	if cfg.ProfileFastTimeout == 0 {
		cfg.ProfileFastTimeout = profileFastTimeoutDefault
	}
	return &Processor{
		cfg:       cfg,
		store:     st,
		signer:    sg,
		ai:        ai,
		publish:   publish,
		queryOne:  queryOne,
		dispatcher: d,
		fetchWait: make(map[string][]chan struct{}),
	}
}

// Process runs the full pipeline for one event delivered from sourceURL.
func (p *Processor) Process(ctx context.Context, sourceURL string, ev *event.E) error {
	principal := fmt.Sprintf("%x", ev.Pubkey)
	isPrivate := ev.Kind == kind.PrivateMessage

	text, err := p.extractContent(ev)
	if err != nil {
		return result.Fail(result.ProtocolMalformed, "decrypt/extract content", err)
	}
	if text == "" {
		return nil
	}

	sessionID := ""
	if isPrivate {
		if t := ev.FirstTag("session"); t != nil {
			sessionID = t.Value()
		}
	}
	// an untagged message reads history across all the principal's sessions.
	historySessionID := sessionID
	sessMeta, err := p.store.GetOrCreateSession(principal, sessionID, originFor(isPrivate))
	if err != nil {
		return result.Fail(result.Internal, "get/create session", err)
	}
	sessionID = sessMeta.SessionID

	profile := p.lookupProfile(ctx, principal)

	fp := dispatch.Fingerprint(principal, text)
	if p.dispatcher.CheckAndMarkFingerprint(fp) {
		return nil
	}

	userRec := store.MessageRecord{
		Direction:      store.DirUser,
		Text:           text,
		Timestamp:      timestamp.Now(),
		Classification: store.ClassQuestion,
		SourceEventID:  fmt.Sprintf("%x", ev.Id),
		SourceKind:     uint16(ev.Kind),
		UserProfile:    profile,
	}
	storedUserRec, err := p.store.AppendMessage(principal, sessionID, userRec, userRec.SourceEventID)
	if err == store.ErrDuplicateEvent {
		return nil
	}
	if err != nil {
		return result.Fail(result.Internal, "append user message", err)
	}

	if balanceintent.IsBalanceIntent(text) {
		return p.replyBalance(ctx, ev, principal, sessionID, isPrivate, storedUserRec.ID, store.ClassBalanceInfo)
	}

	debit, err := accounting.Debit(p.store, principal, isPrivate)
	if err != nil {
		return result.Fail(result.Internal, "debit", err)
	}
	if !debit.OK {
		return p.replyInsufficientFunds(ctx, ev, principal, sessionID, isPrivate, storedUserRec.ID, debit)
	}

	history, err := p.fetchHistory(ctx, principal, historySessionID)
	if err != nil {
		return result.Fail(result.Internal, "fetch history", err)
	}

	if p.cfg.ResponseDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ResponseDelay):
		}
	}

	reply := p.ai.Complete(ctx, aiclient.Request{
		Text:            text,
		History:         history,
		UserProfile:     profile,
		ConversationKey: principal + ":" + sessionID,
	})

	if err := p.publishReply(ctx, ev, principal, sessionID, isPrivate, reply); err != nil {
		return result.Fail(result.TransientNetwork, "publish reply", err)
	}

	if err := p.broadcastBalance(ctx, principal); err != nil {
		log.W.F("processor: balance announcement failed for %s: %v", principal, err)
	}

	botRec := store.MessageRecord{
		Direction:      store.DirBot,
		Text:           reply,
		Timestamp:      timestamp.Now(),
		Classification: store.ClassResponse,
		ReplyTo:        storedUserRec.ID,
	}
	if _, err := p.store.AppendMessage(principal, sessionID, botRec, ""); err != nil {
		log.W.F("processor: append bot reply failed: %v", err)
	}
	return nil
}

func originFor(isPrivate bool) store.Origin {
	if isPrivate {
		return store.OriginDM
	}
	return store.OriginPublic
}

// extractContent decrypts a DM's envelope or passes a public post's content
// through unchanged.
func (p *Processor) extractContent(ev *event.E) (string, error) {
	if ev.Kind == kind.PrivateMessage {
		return envelope.Decrypt(ev.Content, p.signer, ev.Pubkey)
	}
	return ev.Content, nil
}

// lookupProfile serves from cache when fresh, otherwise queries one relay
// with a short timeout; concurrent lookups for the same principal share one
// in-flight fetch instead of issuing duplicate queries.
func (p *Processor) lookupProfile(ctx context.Context, principal string) *store.UserProfile {
	if cached, fetchedAt, found := p.store.GetProfile(principal); found {
		if time.Since(time.UnixMilli(fetchedAt)) < p.cfg.ProfileCacheTTL {
			return cached
		}
	}

	wait, lead := p.joinFetch(principal)
	if !lead {
		<-wait
		if cached, _, found := p.store.GetProfile(principal); found {
			return cached
		}
		return nil
	}
	defer p.finishFetch(principal)

	f := filter.New()
	f.Kinds = []kind.K{kind.Metadata}
	f.Authors = []string{principal}
	one := 1
	f.Limit = &one

	ev, err := p.queryOne(ctx, f, p.cfg.ProfileFastTimeout)
	if chk.E(err) || ev == nil {
		return nil
	}
	profile, err := parseMetadata(ev.Content)
	if err != nil {
		log.W.F("processor: unparseable metadata for %s: %v", principal, err)
		return nil
	}
	if err := p.store.PutProfile(principal, *profile, time.Now().UnixMilli()); err != nil {
		log.W.F("processor: cache profile for %s: %v", principal, err)
	}
	return profile
}

func (p *Processor) joinFetch(principal string) (wait chan struct{}, lead bool) {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()
	if waiters, inFlight := p.fetchWait[principal]; inFlight {
		ch := make(chan struct{})
		p.fetchWait[principal] = append(waiters, ch)
		return ch, false
	}
	p.fetchWait[principal] = nil
	return nil, true
}

func (p *Processor) finishFetch(principal string) {
	p.fetchMu.Lock()
	waiters := p.fetchWait[principal]
	delete(p.fetchWait, principal)
	p.fetchMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

type metadataContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	DisplayNameAlt string `json:"displayName"`
	About       string `json:"about"`
	Nip05       string `json:"nip05"`
	Lud16       string `json:"lud16"`
	Lud06       string `json:"lud06"`
	Website     string `json:"website"`
}

func parseMetadata(content string) (*store.UserProfile, error) {
	var m metadataContent
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return nil, err
	}
	displayName := m.DisplayName
	if displayName == "" {
		displayName = m.DisplayNameAlt
	}
	lightning := m.Lud16
	if lightning == "" {
		lightning = m.Lud06
	}
	return &store.UserProfile{
		Name:             m.Name,
		DisplayName:      displayName,
		About:            m.About,
		IdentityVerifier: m.Nip05,
		LightningAddr:    lightning,
		Website:          m.Website,
	}, nil
}

// recentRawTurns is how many of the most recent messages are kept verbatim
// even after summarization; only the older portion gets condensed.
const recentRawTurns = 10

// fetchHistory returns the conversation log for sessionID, or the
// principal's history across all sessions when sessionID is empty. When the
// AI client's memory-summary feature is enabled and history is long enough,
// the older portion is condensed into one synthetic system turn so the AI
// call isn't paying to re-read the entire log on every message.
func (p *Processor) fetchHistory(ctx context.Context, principal, sessionID string) ([]store.MessageRecord, error) {
	var (
		history []store.MessageRecord
		err     error
	)
	if sessionID != "" {
		history, err = p.store.History(principal, sessionID, historyLimit)
	} else {
		history, err = p.store.HistoryAllSessions(principal, historyLimit)
	}
	if err != nil {
		return nil, err
	}
	if len(history) <= recentRawTurns {
		return history, nil
	}
	older, recent := history[:len(history)-recentRawTurns], history[len(history)-recentRawTurns:]
	summary, err := p.ai.Summarize(ctx, older)
	if err != nil {
		log.W.F("processor: memory summary failed for %s: %v", principal, err)
		return history, nil
	}
	if summary == "" {
		return history, nil
	}
	summaryRec := store.MessageRecord{
		Direction:      store.DirBot,
		Text:           "Earlier conversation summary: " + summary,
		Timestamp:      older[len(older)-1].Timestamp,
		Classification: store.ClassSystem,
	}
	return append([]store.MessageRecord{summaryRec}, recent...), nil
}

// replyBalance answers a balance-intent query directly, bypassing the AI
// client and the debit step entirely.
func (p *Processor) replyBalance(
	ctx context.Context, ev *event.E, principal, sessionID string, isPrivate bool,
	replyTo uint64, class store.Classification,
) error {
	bal, err := p.store.GetBalance(principal)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Your current balance is %d sats.", bal.Sats)
	if err := p.publishReply(ctx, ev, principal, sessionID, isPrivate, text); err != nil {
		return err
	}
	if err := p.broadcastBalance(ctx, principal); err != nil {
		log.W.F("processor: balance announcement failed for %s: %v", principal, err)
	}
	rec := store.MessageRecord{
		Direction:      store.DirBot,
		Text:           text,
		Timestamp:      timestamp.Now(),
		Classification: class,
		ReplyTo:        replyTo,
	}
	_, err = p.store.AppendMessage(principal, sessionID, rec, "")
	return err
}

// replyInsufficientFunds tells the principal their balance can't cover the
// reply and how much it would have cost.
func (p *Processor) replyInsufficientFunds(
	ctx context.Context, ev *event.E, principal, sessionID string, isPrivate bool,
	replyTo uint64, debit accounting.DebitResult,
) error {
	text := fmt.Sprintf(
		"Insufficient balance: you have %d sats but this costs %d. Top up to continue.",
		debit.Balance.Sats, debit.Cost,
	)
	if err := p.publishReply(ctx, ev, principal, sessionID, isPrivate, text); err != nil {
		return err
	}
	if err := p.broadcastBalance(ctx, principal); err != nil {
		log.W.F("processor: balance announcement failed for %s: %v", principal, err)
	}
	rec := store.MessageRecord{
		Direction:      store.DirBot,
		Text:           text,
		Timestamp:      timestamp.Now(),
		Classification: store.ClassSystem,
		ReplyTo:        replyTo,
	}
	_, err := p.store.AppendMessage(principal, sessionID, rec, "")
	return err
}

// publishReply signs and publishes text back to source's channel: encrypted
// and p/session-tagged over DM, or as a public reply tagged e/p otherwise.
func (p *Processor) publishReply(
	ctx context.Context, source *event.E, principal, sessionID string, isPrivate bool, text string,
) error {
	reply := &event.E{
		CreatedAt: timestamp.Now(),
	}
	if isPrivate {
		reply.Kind = kind.PrivateMessage
		ct, err := envelope.Encrypt(text, p.signer, source.Pubkey)
		if err != nil {
			return fmt.Errorf("encrypt reply: %w", err)
		}
		reply.Content = ct
		ts := []tag.T{tag.New("p", principal)}
		if sessionID != "" {
			ts = append(ts, tag.New("session", sessionID))
		}
		reply.Tags = tags.New(ts...)
	} else {
		reply.Kind = kind.PublicPost
		reply.Content = text
		reply.Tags = tags.New(
			tag.New("e", fmt.Sprintf("%x", source.Id), "", "reply"),
			tag.New("p", principal),
		)
	}
	if err := reply.Sign(p.signer); err != nil {
		return fmt.Errorf("sign reply: %w", err)
	}
	results := p.publish(ctx, reply)
	if !anySucceeded(results) {
		return fmt.Errorf("publish reply: no relay accepted it")
	}
	return nil
}

func anySucceeded(results []relay.PublishResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

// broadcastBalance publishes a public BalanceAnnouncement event reflecting
// principal's current balance.
func (p *Processor) broadcastBalance(ctx context.Context, principal string) error {
	bal, err := p.store.GetBalance(principal)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"balance":   bal.Sats,
		"currency":  "sats",
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	ev := &event.E{
		CreatedAt: timestamp.Now(),
		Kind:      kind.BalanceAnnouncement,
		Content:   string(payload),
		Tags: tags.New(
			tag.New("p", principal),
			tag.New("balance", fmt.Sprintf("%d", bal.Sats)),
		),
	}
	if err := ev.Sign(p.signer); err != nil {
		return err
	}
	p.publish(ctx, ev)
	return nil
}
