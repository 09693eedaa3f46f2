// Package httpapi is the observability HTTP surface: status, health, and
// (when DASHBOARD_PASSWORD is set) basic-auth-gated access to both,
// registered with huma.Register on a chi router.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"zapai.dev/pkg/breaker"
	"zapai.dev/pkg/dispatch"
	"zapai.dev/pkg/protocol/supervisor"
	"zapai.dev/pkg/queue"
)

// Stats is the subset of the bot's runtime the status endpoint reports,
// kept as an interface so this package never imports pkg/bot; *bot.Bot
// satisfies it, and main passes the bot to New.
type Stats interface {
	Uptime() time.Duration
	Counters() dispatch.Counters
	QueueStats() queue.Stats
	QueueLength() int
	RateLimiterTrackedPrincipals() int
	BreakerState() breaker.State
	RelayHealth() []supervisor.Health
}

// Server hosts the huma-registered operations.
type Server struct {
	stats    Stats
	password string
	handler  http.Handler
}

// New constructs the HTTP surface, registering /status and /health on a
// chi router, wrapped with CORS and (if password is set) HTTP basic auth.
func New(stats Stats, password string) *Server {
	s := &Server{stats: stats, password: password}

	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("ZapAI Bot", "1.0.0"))

	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Runtime status and counters",
		Tags:        []string{"observability"},
	}, s.getStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness/readiness probe",
		Tags:        []string{"observability"},
	}, s.getHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})
	s.handler = s.withBasicAuth(c.Handler(router))
	return s
}

// ServeHTTP lets Server be mounted directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) withBasicAuth(next http.Handler) http.Handler {
	if s.password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="zapai"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RelayStatus is one relay's health as reported on the status endpoint.
type RelayStatus struct {
	URL         string `json:"url"`
	Connected   bool   `json:"connected"`
	Received    uint64 `json:"received"`
	Sent        uint64 `json:"sent"`
	LastError   string `json:"lastError,omitempty"`
	Permanently bool   `json:"permanentlyFailed"`
}

// StatusBody is the /status response body.
type StatusBody struct {
	UptimeSeconds      float64       `json:"uptimeSeconds"`
	Received           int64         `json:"received"`
	Sent               int64         `json:"sent"`
	Dropped            int64         `json:"dropped"`
	RateLimited        int64         `json:"rateLimited"`
	Errors             int64         `json:"errors"`
	QueueLength        int           `json:"queueLength"`
	QueueProcessed     int64         `json:"queueProcessed"`
	QueueFailed        int64         `json:"queueFailed"`
	QueueRetried       int64         `json:"queueRetried"`
	QueueDropped       int64         `json:"queueDropped"`
	RateLimiterTracked int           `json:"rateLimiterTrackedPrincipals"`
	BreakerState       string        `json:"breakerState"`
	Relays             []RelayStatus `json:"relays"`
}

// StatusOutput wraps StatusBody for huma's response envelope.
type StatusOutput struct{ Body StatusBody }

func (s *Server) getStatus(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	c := s.stats.Counters()
	qs := s.stats.QueueStats()
	relays := s.stats.RelayHealth()
	rs := make([]RelayStatus, 0, len(relays))
	for _, r := range relays {
		rs = append(rs, RelayStatus{
			URL: r.URL, Connected: r.Connected, Received: r.Received, Sent: r.Sent,
			LastError: r.LastError, Permanently: r.Permanently,
		})
	}
	return &StatusOutput{Body: StatusBody{
		UptimeSeconds:      s.stats.Uptime().Seconds(),
		Received:           c.Received,
		Sent:               c.Sent,
		Dropped:            c.Dropped,
		RateLimited:        c.RateLimited,
		Errors:             c.Errors,
		QueueLength:        s.stats.QueueLength(),
		QueueProcessed:     qs.Processed,
		QueueFailed:        qs.Failed,
		QueueRetried:       qs.Retried,
		QueueDropped:       qs.Dropped,
		RateLimiterTracked: s.stats.RateLimiterTrackedPrincipals(),
		BreakerState:       s.stats.BreakerState().String(),
		Relays:             rs,
	}}, nil
}

// maxHealthyQueueLength is the queue-size threshold past which /health
// starts reporting unavailable.
const maxHealthyQueueLength = 9000

// HealthBody is the /health response body.
type HealthBody struct {
	Status string `json:"status"`
}

// HealthOutput wraps HealthBody for huma's response envelope.
type HealthOutput struct {
	Body   HealthBody
	Status int
}

func (s *Server) getHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	if s.stats.QueueLength() >= maxHealthyQueueLength || s.stats.BreakerState() == breaker.Open {
		return &HealthOutput{Body: HealthBody{Status: "unavailable"}, Status: http.StatusServiceUnavailable}, nil
	}
	return &HealthOutput{Body: HealthBody{Status: "ok"}, Status: http.StatusOK}, nil
}
