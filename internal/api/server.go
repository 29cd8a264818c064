package api

import (
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minirag/minirag/internal/extract"
	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/store"
)

// Config configures the HTTP server.
type Config struct {
	Store  *store.Store
	Queue  enqueuer
	Runner turnRunner
	Logger log.Logger

	// Pool backs the readiness probe. Nil skips the database check.
	Pool *pgxpool.Pool

	// CORSOrigins lists origins allowed to call the API from browsers.
	CORSOrigins []string

	// TrustProxy enables X-Real-IP / X-Forwarded-For for client IPs.
	TrustProxy bool

	// RateLimit is tokens per second per client IP; RateBurst is the
	// bucket size. Zero values disable rate limiting.
	RateLimit float64
	RateBurst int

	// MaxUploadSize caps file uploads in bytes. Zero uses the extract
	// package default.
	MaxUploadSize int64
}

// Server is the tenant-facing HTTP API.
type Server struct {
	handler http.Handler
	logger  log.Logger
}

// NewServer builds the route table and middleware stack.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = extract.MaxUploadSize
	}

	sources := &sourcesHandler{
		store:     cfg.Store,
		queue:     cfg.Queue,
		maxUpload: cfg.MaxUploadSize,
		logger:    cfg.Logger,
	}
	profiles := &botProfilesHandler{store: cfg.Store, logger: cfg.Logger}
	chat := &chatHandler{store: cfg.Store, runner: cfg.Runner, logger: cfg.Logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sources", sources.create)
	mux.HandleFunc("POST /api/v1/sources/batch", sources.createBatch)
	mux.HandleFunc("POST /api/v1/sources/upload", sources.upload)
	mux.HandleFunc("GET /api/v1/sources", sources.list)
	mux.HandleFunc("GET /api/v1/sources/{id}", sources.get)
	mux.HandleFunc("GET /api/v1/sources/{id}/children", sources.children)
	mux.HandleFunc("PATCH /api/v1/sources/{id}", sources.update)
	mux.HandleFunc("DELETE /api/v1/sources/{id}", sources.delete)
	mux.HandleFunc("POST /api/v1/sources/{id}/ingest", sources.ingest)
	mux.HandleFunc("POST /api/v1/sources/{id}/ingest-children", sources.ingestChildren)

	mux.HandleFunc("POST /api/v1/bot-profiles", profiles.create)
	mux.HandleFunc("GET /api/v1/bot-profiles", profiles.list)
	mux.HandleFunc("GET /api/v1/bot-profiles/{id}", profiles.get)
	mux.HandleFunc("PATCH /api/v1/bot-profiles/{id}", profiles.update)
	mux.HandleFunc("DELETE /api/v1/bot-profiles/{id}", profiles.delete)

	mux.HandleFunc("POST /api/v1/chat", chat.handleChat)
	mux.HandleFunc("GET /api/v1/chats", chat.listChats)
	mux.HandleFunc("GET /api/v1/chats/{id}/messages", chat.listMessages)

	// Middleware stack, outermost first. Auth runs last so everything
	// above it also covers unauthenticated requests.
	var handler http.Handler = authMiddleware(cfg.Store, cfg.Logger)(mux)
	if cfg.RateLimit > 0 && cfg.RateBurst > 0 {
		rl := newRateLimiter(cfg.RateLimit, cfg.RateBurst)
		handler = rateLimitMiddleware(rl, cfg.TrustProxy, cfg.Logger)(handler)
	}
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(cfg.Logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(cfg.Logger)(handler)

	// Health probes bypass auth and rate limiting.
	top := http.NewServeMux()
	top.HandleFunc("GET /health", health(cfg.Logger))
	top.HandleFunc("GET /ready", readiness(cfg.Pool, cfg.Logger))
	top.Handle("/", handler)

	return &Server{handler: top, logger: cfg.Logger}, nil
}

// Handler returns the root handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}
