// Package aiclient wraps google.golang.org/genai behind a small completion
// interface: a per-conversation chat-context LRU, a surrounding breaker +
// retry loop, and a fixed set of fallback apology strings for when the
// model can't be reached.
package aiclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"
	"lol.mleku.dev/log"

	"zapai.dev/pkg/breaker"
	"zapai.dev/pkg/interfaces/store"
)

// fallbacks are the user-facing apology strings returned when the breaker
// is open or every retry is exhausted.
var fallbacks = []string{
	"Sorry, I'm having trouble thinking right now. Please try again in a moment.",
	"My connection to the model is acting up. Give me a bit and ask again.",
	"Something went wrong on my end processing that. Please retry shortly.",
}

var fallbackCounter int

func nextFallback() string {
	f := fallbacks[fallbackCounter%len(fallbacks)]
	fallbackCounter++
	return f
}

// Config holds the client's runtime tunables, sourced from environment
// configuration.
type Config struct {
	Model                 string
	BotName               string
	EnableSessionReuse    bool
	SessionTTL            time.Duration
	MaxSessions           int
	EnableMemorySummary   bool
	MemorySummaryMinMsgs  int
	RetryAttempts         int // extra attempts beyond the first, default 2
}

// chatEntry is one cached conversation.
type chatEntry struct {
	chat     *genai.Chat
	lastUsed time.Time
}

// Client is the AI completion collaborator.
type Client struct {
	genaiClient *genai.Client
	cfg         Config
	breaker     *breaker.Breaker

	mu       sync.Mutex
	sessions map[string]*chatEntry
	lru      []string // most-recently-used at the back
}

// New constructs a Client against apiKey, using cb as the surrounding
// circuit breaker.
func New(ctx context.Context, apiKey string, cfg Config, cb *breaker.Breaker) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("aiclient: new genai client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 2
	}
	return &Client{
		genaiClient: gc,
		cfg:         cfg,
		breaker:     cb,
		sessions:    make(map[string]*chatEntry),
	}, nil
}

// Request is one completion request.
type Request struct {
	Text            string
	History         []store.MessageRecord
	UserProfile     *store.UserProfile
	ConversationKey string // principal:session-id, empty disables reuse
}

// Complete runs the breaker-guarded, retrying AI call and always returns
// text: either the model's reply or a fallback apology.
func (c *Client) Complete(ctx context.Context, req Request) string {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(minInt(1000*(1<<(attempt-1)), 5000)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nextFallback()
			case <-time.After(delay):
			}
		}
		result := c.breaker.Call(ctx, func(callCtx context.Context) (string, error) {
			return c.callOnce(callCtx, req)
		}, func(err error) string {
			lastErr = err
			return ""
		})
		if result != "" {
			return result
		}
		if lastErr != nil {
			log.W.F("aiclient: attempt %d failed: %v", attempt, lastErr)
		}
	}
	return nextFallback()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) callOnce(ctx context.Context, req Request) (string, error) {
	chat, err := c.chatFor(ctx, req)
	if err != nil {
		return "", err
	}
	resp, err := chat.SendMessage(ctx, genai.Part{Text: req.Text})
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("aiclient: empty response")
	}
	return text, nil
}

// chatFor resolves (or constructs) the chat session for req, honoring the
// configured LRU size and TTL.
func (c *Client) chatFor(ctx context.Context, req Request) (*genai.Chat, error) {
	if !c.cfg.EnableSessionReuse || req.ConversationKey == "" {
		return c.newChat(ctx, req)
	}

	c.mu.Lock()
	entry, ok := c.sessions[req.ConversationKey]
	if ok && time.Since(entry.lastUsed) > c.cfg.SessionTTL {
		delete(c.sessions, req.ConversationKey)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.touch(req.ConversationKey)
		return entry.chat, nil
	}

	chat, err := c.newChat(ctx, req)
	if err != nil {
		return nil, err
	}
	c.store(req.ConversationKey, chat)
	return chat, nil
}

func (c *Client) newChat(ctx context.Context, req Request) (*genai.Chat, error) {
	primer := systemPrimer(c.cfg.BotName, req.UserProfile)
	history := historyToContents(req.History)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(primer, genai.RoleUser),
	}
	return c.genaiClient.Chats.Create(ctx, c.cfg.Model, cfg, history)
}

func (c *Client) store(key string, chat *genai.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[key] = &chatEntry{chat: chat, lastUsed: time.Now()}
	c.lru = append(c.lru, key)
	for len(c.sessions) > c.cfg.MaxSessions {
		oldest := c.lru[0]
		c.lru = c.lru[1:]
		delete(c.sessions, oldest)
	}
}

func (c *Client) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[key]; ok {
		e.lastUsed = time.Now()
	}
	for i, k := range c.lru {
		if k == key {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, key)
}

// maxHistoryTurns is the cap on turns seeded into a new chat session.
const maxHistoryTurns = 40

func historyToContents(history []store.MessageRecord) []*genai.Content {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.RoleUser
		if m.Direction == store.DirBot {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	return contents
}

func systemPrimer(botName string, profile *store.UserProfile) string {
	now := time.Now().UTC().Format(time.RFC3339)
	p := fmt.Sprintf(
		"You are %s, a helpful assistant reachable over nostr. Current date: %s.",
		botName, now,
	)
	if profile != nil {
		if profile.DisplayName != "" {
			p += fmt.Sprintf(" The user's display name is %s.", profile.DisplayName)
		} else if profile.Name != "" {
			p += fmt.Sprintf(" The user's name is %s.", profile.Name)
		}
		if profile.About != "" {
			p += fmt.Sprintf(" About them: %s.", profile.About)
		}
	}
	return p
}

// Summarize condenses history into a compact JSON summary of facts and
// preferences, requested with low temperature. Returns an empty string
// (and no error) when the feature is disabled or history is too short to
// bother summarizing.
func (c *Client) Summarize(ctx context.Context, history []store.MessageRecord) (string, error) {
	if !c.cfg.EnableMemorySummary || len(history) < c.cfg.MemorySummaryMinMsgs {
		return "", nil
	}
	var transcript string
	for _, m := range history {
		transcript += fmt.Sprintf("%s: %s\n", m.Direction, m.Text)
	}
	temp := float32(0.1)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	resp, err := c.genaiClient.Models.GenerateContent(
		ctx, c.cfg.Model,
		[]*genai.Content{genai.NewContentFromText(
			"Summarize this conversation as compact JSON with keys "+
				"summary, facts, preferences:\n\n"+transcript,
			genai.RoleUser,
		)},
		cfg,
	)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
