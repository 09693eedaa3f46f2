// Package config provides a go-simpler.org/env configuration table for the
// bot, mirroring the layout of orly.dev/pkg/app/config but scoped to the
// environment keys the bot actually reads.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
)

// C holds application configuration loaded from environment variables and
// defaults, covering relay connectivity, pricing, queueing, rate limiting,
// AI session reuse and the observability surface.
type C struct {
	BotPrivateKey string `env:"BOT_PRIVATE_KEY,required" usage:"hex or nsec1... secret key for the bot's identity"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY" usage:"Gemini API key"`
	GoogleAPIKey  string `env:"GOOGLE_GENERATIVE_AI_API_KEY" usage:"alternate env var for the Gemini API key"`
	Relays        []string `env:"NOSTR_RELAYS,required" usage:"comma separated relay URLs"`

	BotName            string        `env:"BOT_NAME" default:"ZapAI"`
	BotResponseDelay   time.Duration `env:"BOT_RESPONSE_DELAY" default:"0ms"`

	MaxConcurrent int           `env:"MAX_CONCURRENT" default:"10"`
	MaxQueueSize  int           `env:"MAX_QUEUE_SIZE" default:"10000"`
	QueueTimeout  time.Duration `env:"QUEUE_TIMEOUT" default:"60000ms"`

	RateLimitMaxTokens  float64 `env:"RATE_LIMIT_MAX_TOKENS" default:"50"`
	RateLimitRefillRate float64 `env:"RATE_LIMIT_REFILL_RATE" default:"5"`

	UserMetadataCacheTTL   time.Duration `env:"USER_METADATA_CACHE_TTL_MS" default:"21600000ms"`
	UserMetadataFastTimeout time.Duration `env:"USER_METADATA_FAST_TIMEOUT_MS" default:"300ms"`

	EnableChatSessionReuse bool          `env:"ENABLE_CHAT_SESSION_REUSE" default:"true"`
	ChatSessionTTL         time.Duration `env:"CHAT_SESSION_TTL_MS" default:"1800000ms"`
	MaxChatSessions        int           `env:"MAX_CHAT_SESSIONS" default:"5000"`

	EnableMemorySummary      bool `env:"ENABLE_MEMORY_SUMMARY" default:"false"`
	MemorySummaryMinMessages int  `env:"MEMORY_SUMMARY_MIN_MESSAGES" default:"16"`

	WebPort           int    `env:"WEB_PORT" default:"3000"`
	DashboardPassword string `env:"DASHBOARD_PASSWORD" usage:"when set, the status/health surface requires basic auth"`

	RelayPublishTimeout time.Duration `env:"RELAY_PUBLISH_TIMEOUT_MS" default:"8000ms"`

	DataDir string `env:"BOT_DATA_DIR" usage:"badger store location"`
}

// New loads configuration from the environment, filling in the data
// directory default from XDG if unset, and verifying that at least one AI
// credential is present.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.E(err) {
		return
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, "zapai")
	}
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = cfg.GoogleAPIKey
	}
	if cfg.GeminiAPIKey == "" {
		log.W.Ln("no GEMINI_API_KEY or GOOGLE_GENERATIVE_AI_API_KEY set; AI calls will fail over to the fallback path")
	}
	var relays []string
	for _, u := range cfg.Relays {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		relays = append(relays, u)
	}
	cfg.Relays = relays
	log.I.F("loaded configuration for %s, %d relays", cfg.BotName, len(cfg.Relays))
	return
}

// DebitCost returns the price in sats for a reply, cheaper over DM than
// over a public channel.
func DebitCost(isPrivate bool) int64 {
	if isPrivate {
		return 1
	}
	return 2
}
