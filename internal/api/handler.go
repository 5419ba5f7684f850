package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"mtf-executor/internal/engine"
	"mtf-executor/internal/events"
)

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	DB      engine.ReadOnlyDB
	Bus     *events.Bus
	Metrics http.Handler
	Opts    Options
	log     zerolog.Logger

	httpServer *http.Server
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	DryRun      bool     `json:"dry_run"`
	Venue       string   `json:"venue"`
	Instruments []string `json:"instruments"`
	Version     string   `json:"version"`
}

// Options configures the HTTP surface.
type Options struct {
	JWTSecret         string
	WebhookPassphrase string
	RateLimit         float64
	RateBurst         int
	RequestTimeout    time.Duration
	Meta              SystemMeta
}

func NewServer(svc engine.Service, store engine.ReadOnlyDB, bus *events.Bus, metrics http.Handler, opts Options, log zerolog.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst, log))

	s := &Server{
		Router:  r,
		Engine:  svc,
		DB:      store,
		Bus:     bus,
		Metrics: metrics,
		Opts:    opts,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ping", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}
	// Webhook requests must never be cut short by a timeout: an order may be in flight.
	s.Router.POST("/webhook", s.webhook)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.Opts.JWTSecret))
	{
		api.GET("/ws", s.streamAlerts)

		bounded := api.Group("")
		bounded.Use(TimeoutMiddleware(s.Opts.RequestTimeout))
		bounded.GET("/positions", s.getPositions)
		bounded.GET("/state", s.getState)
		bounded.GET("/executions", s.getExecutions)
		bounded.GET("/orders", s.getOrders)
		bounded.GET("/drift", s.getDrift)
		bounded.POST("/reconcile/:instrument", s.reconcile)
	}
}

func (s *Server) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !s.Engine.Ready() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"time":   time.Now().UTC(),
		"meta":   s.Opts.Meta,
	})
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
