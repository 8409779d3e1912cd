package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-control/internal/engine"
	"trading-control/internal/events"
	"trading-control/internal/risk"
	"trading-control/internal/settings"
	"trading-control/pkg/crypto"
	"trading-control/pkg/db"
)

// RiskControl is the part of *risk.Gate the API exposes.
type RiskControl interface {
	State(userID string) (risk.State, bool)
	Resume(ctx context.Context, userID string) error
}

// VenueCache drops a user's cached venue after their keys change.
type VenueCache interface {
	Invalidate(userID string)
}

// Options carries the collaborators the server is built from.
type Options struct {
	Engines   engine.Service
	Settings  settings.Provider
	Risk      RiskControl
	Queries   *db.UserQueries
	Keys      *crypto.Keyring
	Bus       *events.Bus
	Venues    VenueCache
	Gatherer  prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	JWTSecret string
	RateLimit float64 // requests per second per IP
	Burst     int
	Timeout   time.Duration
}

// Server wires HTTP endpoints around the engine manager.
type Server struct {
	Router    *gin.Engine
	Engines   engine.Service
	Settings  settings.Provider
	Risk      RiskControl
	DB        *db.UserQueries
	Keys      *crypto.Keyring
	Bus       *events.Bus
	Venues    VenueCache
	JWTSecret string

	gatherer prometheus.Gatherer
}

func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                                  // Panic recovery (first)
	r.Use(RequestIDMiddleware())                           // Request ID tracking
	r.Use(RequestLogger())                                 // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.Burst)) // Rate limiting
	r.Use(TimeoutMiddleware(opts.Timeout))                 // Request deadline
	r.Use(CORSMiddleware())                                // CORS (last before routes)

	s := &Server{
		Router:    r,
		Engines:   opts.Engines,
		Settings:  opts.Settings,
		Risk:      opts.Risk,
		DB:        opts.Queries,
		Keys:      opts.Keys,
		Bus:       opts.Bus,
		Venues:    opts.Venues,
		JWTSecret: opts.JWTSecret,
		gatherer:  opts.Gatherer,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			autoTrade := protected.Group("/engines/auto-trade")
			autoTrade.POST("/start", s.startEngine(engine.KindAutoTrade))
			autoTrade.POST("/stop", s.stopEngine(engine.KindAutoTrade))
			autoTrade.GET("/status", s.engineStatus(engine.KindAutoTrade))

			quoting := protected.Group("/engines/market-making")
			quoting.POST("/start", s.startEngine(engine.KindQuoting))
			quoting.POST("/stop", s.stopEngine(engine.KindQuoting))
			quoting.GET("/status", s.engineStatus(engine.KindQuoting))

			protected.GET("/settings", s.getSettings)
			protected.PUT("/settings", s.updateSettings)

			protected.GET("/risk", s.getRisk)
			protected.POST("/risk/resume", s.resumeRisk)

			protected.GET("/executions", s.listExecutions)

			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
