// Package colorwheel is the extension backend: viewers advance their channel's
// color around the color wheel and read it back.
package colorwheel

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/colorwheel/internal/broadcast"
	"github.com/R3E-Network/colorwheel/internal/colorstore"
	"github.com/R3E-Network/colorwheel/internal/extauth"
	"github.com/R3E-Network/colorwheel/internal/logging"
	"github.com/R3E-Network/colorwheel/internal/metrics"
	"github.com/R3E-Network/colorwheel/internal/middleware"
	"github.com/R3E-Network/colorwheel/internal/stream"
)

const (
	ServiceID   = "colorwheel"
	ServiceName = "Color Wheel Service"
	Version     = "1.0.0"

	defaultCleanupSchedule = "@every 10m"
	defaultLimiterMaxIdle  = 10 * time.Minute
)

// BroadcastConfig enables PubSub relaying of committed colors.
type BroadcastConfig struct {
	Enabled  bool
	APIBase  string
	Cooldown time.Duration
}

// Config holds the service dependencies and settings.
type Config struct {
	// Secret is the decoded shared extension secret.
	Secret   []byte
	ClientID string

	Logger  *logging.Logger
	Metrics *metrics.Metrics  // optional
	Store   *colorstore.Store // optional

	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	Broadcast BroadcastConfig

	// LimiterCleanupSchedule is a cron spec for pruning idle rate limiters.
	LimiterCleanupSchedule string
	LimiterMaxIdle         time.Duration
}

// Service implements the color wheel backend.
type Service struct {
	logger   *logging.Logger
	metrics  *metrics.Metrics
	store    *colorstore.Store
	verifier *extauth.Verifier

	router  *mux.Router
	handler http.Handler

	auth     *middleware.AuthMiddleware
	limiter  *middleware.RateLimiter
	cors     *middleware.CORSMiddleware
	tracing  *middleware.TracingMiddleware
	recovery *middleware.RecoveryMiddleware

	hub         *stream.Hub
	broadcaster *broadcast.Broadcaster
	scheduler   *cron.Cron
	maxIdle     time.Duration

	// Lifecycle
	startOnce        sync.Once
	stopOnce         sync.Once
	stopCh           chan struct{}
	unsubscribeRelay func()
	startTime        time.Time
}

// New wires the service. Nothing runs until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(false)
	}
	if cfg.Store == nil {
		cfg.Store = colorstore.New()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.LimiterCleanupSchedule == "" {
		cfg.LimiterCleanupSchedule = defaultCleanupSchedule
	}
	if cfg.LimiterMaxIdle <= 0 {
		cfg.LimiterMaxIdle = defaultLimiterMaxIdle
	}

	verifier, err := extauth.NewVerifier(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}

	s := &Service{
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		store:    cfg.Store,
		verifier: verifier,
		router:   mux.NewRouter(),
		limiter:  middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Logger),
		cors:     middleware.NewCORSMiddleware(cfg.AllowedOrigins),
		tracing:  middleware.NewTracingMiddleware(cfg.Logger, "/health", "/metrics"),
		recovery: middleware.NewRecoveryMiddleware(cfg.Logger),
		maxIdle:  cfg.LimiterMaxIdle,
		stopCh:   make(chan struct{}),
	}
	s.auth = middleware.NewAuthMiddleware(middleware.AuthConfig{
		Verifier:        verifier,
		Logger:          cfg.Logger,
		Recorder:        cfg.Metrics,
		QueryTokenPaths: []string{"/color/stream"},
	})
	s.hub = stream.NewHub(stream.Config{
		Source:   s.store,
		Logger:   cfg.Logger,
		Recorder: cfg.Metrics,
	})

	if cfg.Broadcast.Enabled {
		signer, err := extauth.NewSigner(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		s.broadcaster, err = broadcast.New(broadcast.Config{
			APIBase:  cfg.Broadcast.APIBase,
			ClientID: cfg.ClientID,
			Signer:   signer,
			Logger:   cfg.Logger,
			Recorder: cfg.Metrics,
			Cooldown: cfg.Broadcast.Cooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("create broadcaster: %w", err)
		}
	}

	s.scheduler = cron.New()
	if _, err := s.scheduler.AddFunc(cfg.LimiterCleanupSchedule, s.cleanupLimiters); err != nil {
		return nil, fmt.Errorf("schedule limiter cleanup: %w", err)
	}

	s.registerRoutes()
	s.handler = s.tracing.Handler(s.recovery.Handler(s.cors.Handler(s.router)))
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Store exposes the channel color store.
func (s *Service) Store() *colorstore.Store {
	return s.store
}

func (s *Service) cleanupLimiters() {
	removed := s.limiter.Cleanup(s.maxIdle)
	s.logger.WithFields(map[string]interface{}{
		"removed":   removed,
		"remaining": s.limiter.Len(),
	}).Debug("pruned idle rate limiters")
}
