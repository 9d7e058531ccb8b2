// Package api provides the operator HTTP API: pool health, account
// administration, bucket inspection, and checkpoint management.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/harvest-pool/internal/checkpoint"
	"github.com/harvest-pool/internal/models"
	"github.com/harvest-pool/internal/pool"
	"github.com/harvest-pool/internal/ratelimit"
	"github.com/harvest-pool/internal/storage"
)

// Service interfaces for dependency injection and testing

// PoolService defines the pool operations exposed over the API.
type PoolService interface {
	HealthReport(ctx context.Context) (*pool.HealthReport, error)
	GetAccount(ctx context.Context, accountID string) (*models.AccountRecord, error)
	ResetAccount(ctx context.Context, accountID string) (*models.AccountRecord, error)
	QuarantineAccount(ctx context.Context, accountID, reason string) error
}

// LimiterService defines the bucket operations exposed over the API.
type LimiterService interface {
	EnsureBucket(ctx context.Context, name string, capacity, refillRate float64) error
	Inspect(ctx context.Context, name string) (*ratelimit.BucketState, error)
}

// CheckpointService defines the checkpoint operations exposed over the API.
type CheckpointService interface {
	LoadProgress(ctx context.Context, jobID string) (json.RawMessage, bool, error)
	ClearProgress(ctx context.Context, jobID string) error
}

// EventSource lists recent transition events for one account.
type EventSource interface {
	ListRecent(ctx context.Context, accountID string, limit int) ([]*models.TransitionEvent, error)
}

// Server represents the operator HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	pool        PoolService
	limiter     LimiterService
	checkpoints CheckpointService
	events      EventSource
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	ClientRPS       int    // Requests per second per API client
	HeavyBucketName string // Included in the pool report when set
}

// NewServer creates a new API server instance. The event source may be nil
// when the audit store is disabled.
func NewServer(
	config *ServerConfig,
	accountPool *pool.AccountPool,
	limiter *ratelimit.TokenBucketLimiter,
	checkpointer *checkpoint.Checkpointer,
	events *storage.EventRepository,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		pool:        accountPool,
		limiter:     limiter,
		checkpoints: checkpointer,
		config:      config,
	}
	if events != nil {
		s.events = events
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewClientRateLimiter(s.config.ClientRPS)

	// Middleware order matters: log first, recover before anything that
	// can panic, throttle before the handlers do real work.
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pool endpoints
	api.HandleFunc("/pool/report", s.handlePoolReport).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}/reset", s.handleResetAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}/quarantine", s.handleQuarantineAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}/events", s.handleGetAccountEvents).Methods("GET")

	// Bucket endpoints
	api.HandleFunc("/buckets/{name}", s.handleGetBucket).Methods("GET")
	api.HandleFunc("/buckets/{name}", s.handleDeclareBucket).Methods("PUT")

	// Checkpoint endpoints
	api.HandleFunc("/checkpoints/{jobId}", s.handleGetCheckpoint).Methods("GET")
	api.HandleFunc("/checkpoints/{jobId}", s.handleClearCheckpoint).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "harvest-pool",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
