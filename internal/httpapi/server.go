// Package httpapi serves the gateway's HTTP surface: webhook callbacks for
// channels that receive platform events by HTTP push (Feishu, WeWork), a
// liveness probe, and a token-gated status endpoint. When a tailnet hostname
// is configured the same mux is additionally served over tsnet, so callback
// URLs can stay off the public internet.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

const shutdownTimeout = 5 * time.Second

// WebhookChannel is a channel adapter that receives platform events through
// an HTTP callback instead of a long-lived outbound connection.
type WebhookChannel interface {
	Name() string
	WebhookHandler() http.Handler
}

// Config carries the listener settings.
type Config struct {
	Host  string
	Port  int
	Token string // bearer token for /status, "" leaves it open

	// RateLimitPerMin bounds webhook callbacks per channel and source
	// address. Zero selects the limiter default.
	RateLimitPerMin int
}

// EndpointHealth is the /status view of one LLM endpoint.
type EndpointHealth struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Healthy bool   `json:"healthy"`
	Current bool   `json:"current"`
	Pinned  bool   `json:"pinned,omitempty"`
}

// MCPServer is the /status view of one connected MCP server.
type MCPServer struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// Server owns the HTTP mux and its listeners.
type Server struct {
	cfg     Config
	ts      config.TailscaleConfig
	version string

	channelStatus  func() map[string]bool
	activeTurns    func() int
	endpointHealth func() []EndpointHealth
	mcpServers     func() []MCPServer

	mux     *http.ServeMux
	limiter *channels.WebhookRateLimiter
	started time.Time

	mu      sync.Mutex
	addr    string
	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTailscale enables the tailnet listener when the hostname is set.
func WithTailscale(ts config.TailscaleConfig) Option {
	return func(s *Server) { s.ts = ts }
}

// WithVersion sets the version string reported by /status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithChannelStatus wires the channel manager's running map into /status.
func WithChannelStatus(fn func() map[string]bool) Option {
	return func(s *Server) { s.channelStatus = fn }
}

// WithTurnCount wires the gateway's in-flight turn counter into /status.
func WithTurnCount(fn func() int) Option {
	return func(s *Server) { s.activeTurns = fn }
}

// WithEndpointHealth wires the endpoint pool's health view into /status.
func WithEndpointHealth(fn func() []EndpointHealth) Option {
	return func(s *Server) { s.endpointHealth = fn }
}

// WithMCPServers wires the MCP manager's connection view into /status.
func WithMCPServers(fn func() []MCPServer) Option {
	return func(s *Server) { s.mcpServers = fn }
}

// New builds the server with /healthz and /status mounted. Webhook routes
// are added with Mount before Start.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		limiter: channels.NewWebhookRateLimiter(time.Minute, cfg.RateLimitPerMin),
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status", s.handleStatus)
	return s
}

// Mount adds a webhook route at /webhook/<name>, wrapped in the callback
// rate limiter. Signature verification stays inside the channel's handler.
func (s *Server) Mount(ch WebhookChannel) {
	name := ch.Name()
	s.mux.Handle("/webhook/"+name, s.limited(name, ch.WebhookHandler()))
	slog.Info("webhook route mounted", "channel", name, "path", "/webhook/"+name)
}

// Handler exposes the mux. The tailnet listener serves it too.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr reports the bound address once Start has taken the listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens and serves until ctx is canceled, then drains in-flight
// requests. A configured tailnet that fails to come up is logged and the
// plain listener keeps serving.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.httpSrv = srv
	s.mu.Unlock()

	tsClose, err := s.serveTailnet(ctx, srv)
	if err != nil {
		slog.Error("tailnet listener failed, continuing without it", "error", err)
	}
	if tsClose != nil {
		defer tsClose()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("http api listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shctx); err != nil {
			return fmt.Errorf("httpapi: shutdown: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpapi: serve: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	payload := map[string]any{
		"status":     "ok",
		"uptime_sec": int64(time.Since(s.started).Seconds()),
	}
	if s.version != "" {
		payload["version"] = s.version
	}
	if s.channelStatus != nil {
		payload["channels"] = s.channelStatus()
	}
	if s.activeTurns != nil {
		payload["active_turns"] = s.activeTurns()
	}
	if s.endpointHealth != nil {
		payload["endpoints"] = s.endpointHealth()
	}
	if s.mcpServers != nil {
		if servers := s.mcpServers(); len(servers) > 0 {
			payload["mcp_servers"] = servers
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("status encode failed", "error", err)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

// limited keys the callback limiter by channel and peer address, so one
// flooded endpoint does not starve the others.
func (s *Server) limited(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(name + "|" + peerHost(r)) {
			slog.Warn("webhook rate limited", "channel", name, "remote", r.RemoteAddr)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// peerHost is the direct peer's address without the port. Forwarding headers
// are ignored: they are spoofable and the platforms call back directly.
func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
