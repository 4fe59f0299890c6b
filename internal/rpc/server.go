// Package rpc is the daemon's local operator surface: a health probe, a small
// JSON-RPC status API and the prometheus scrape endpoint. It runs as a
// supervised task alongside the transfer watcher.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"zapd/go-daemon/internal/feed"
	"zapd/go-daemon/internal/metrics"
	"zapd/go-daemon/internal/platform/ratelimiter"
	"zapd/go-daemon/internal/supervisor"
)

const (
	TaskName      = "rpc"
	componentName = "rpc"

	DefaultAddr = "127.0.0.1:8797"
	TokenHeader = "X-Zapd-RPC-Token"
)

type Config struct {
	Addr            string  `yaml:"addr"`
	Token           string  `yaml:"token"`
	TokenFile       string  `yaml:"tokenFile"`
	RateLimitRPS    float64 `yaml:"rateLimitRps"`
	RateLimitBurst  int     `yaml:"rateLimitBurst"`
	AllowNullOrigin bool    `yaml:"allowNullOrigin"`
}

func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		RateLimitRPS:   30,
		RateLimitBurst: 60,
	}
}

// Info is static daemon metadata returned by daemon.info.
type Info struct {
	Version   string `json:"version"`
	Network   string `json:"network"`
	Merchant  string `json:"merchant_address"`
	PublicKey string `json:"public_key"`
	Transport string `json:"feed_transport"`
}

// TaskHealth is satisfied by the supervisor.
type TaskHealth interface {
	Health() []supervisor.TaskStatus
}

// FeedStatus is satisfied by the feed node.
type FeedStatus interface {
	Status() feed.Status
	NetworkMetrics() map[string]int
}

type Server struct {
	cfg        Config
	info       Info
	tasks      TaskHealth
	feed       FeedStatus
	token      string
	limiter    *ratelimiter.Keyed
	metrics    *metrics.Registry
	logger     *slog.Logger
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

type Option func(*Server)

func WithFeed(f FeedStatus) Option {
	return func(s *Server) {
		s.feed = f
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cfg Config, info Info, tasks TaskHealth, opts ...Option) (*Server, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	token, err := resolveToken(cfg.Token, cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		info:    info,
		tasks:   tasks,
		token:   token,
		limiter: ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.token == "" {
		s.logger.Warn("rpc token is not set; rpc auth disabled", "component", componentName, "operation", "rpc.init")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.metrics != nil {
		mux.Handle("/metrics", s.guard(s.metrics.Handler()))
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Name() string { return TaskName }

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Addr returns the bound listen address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run listens, signals ready and serves until ctx is cancelled or Stop is
// called.
func (s *Server) Run(ctx context.Context, ready func()) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	s.logger.Info("rpc listening", "component", componentName, "operation", "rpc.run", "addr", ln.Addr().String())
	ready()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.tasks != nil {
		for _, st := range s.tasks.Health() {
			if st.State == supervisor.StateTerminated {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				break
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// guard applies CORS, auth and rate limiting to a plain handler.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.applyCORS(w, r) {
			return
		}
		if !s.authorize(w, r) {
			return
		}
		if !s.allow(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+TokenHeader)
	return true
}

func (s *Server) isAllowedOrigin(raw string) bool {
	if raw == "null" {
		return s.cfg.AllowNullOrigin
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if extractToken(r) != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.Allow(clientKey(r, extractToken(r)), time.Now()) {
		return true
	}
	s.logger.Warn("rpc rate limited", "component", componentName, "operation", "rpc.limit", "remote_addr", r.RemoteAddr)
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(TokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func clientKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}
