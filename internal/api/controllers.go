package api

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"trading-control/internal/engine"
	"trading-control/internal/gateway"
	"trading-control/internal/settings"
	"trading-control/pkg/db"
)

type startEngineRequest struct {
	Symbol   string `json:"symbol"`
	PeriodMs int64  `json:"period_ms"`
}

type createConnectionRequest struct {
	Name         string `json:"name" binding:"required,min=1"`
	ExchangeType string `json:"exchange_type" binding:"required,min=1"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Testnet      bool   `json:"testnet"`
}

type listExecutionsQuery struct {
	Limit int `form:"limit"`
}

func (q *listExecutionsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

// connectionView never carries key material.
type connectionView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ExchangeType string    `json:"exchange_type"`
	Testnet      bool      `json:"testnet"`
	IsActive     bool      `json:"is_active"`
	KeyVersion   int       `json:"key_version"`
	CreatedAt    time.Time `json:"created_at"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps start failures onto status codes.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, engine.ErrShuttingDown), errors.Is(err, engine.ErrStopped):
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case errors.Is(err, settings.ErrNotFound):
		respondError(c, http.StatusNotFound, "SETTINGS_NOT_FOUND", "no trading settings for this user")
	case errors.Is(err, gateway.ErrNoCredentials):
		respondError(c, http.StatusBadRequest, "NO_CREDENTIALS", "no exchange connection with API keys")
	case errors.Is(err, gateway.ErrUnsupported):
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_EXCHANGE", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func (s *Server) startEngine(kind engine.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := CurrentUserID(c)
		var req startEngineRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
				return
			}
		}
		if req.PeriodMs < 0 {
			respondError(c, http.StatusBadRequest, "INVALID_PERIOD", "period_ms must be positive")
			return
		}
		symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
		period := time.Duration(req.PeriodMs) * time.Millisecond

		var err error
		switch kind {
		case engine.KindAutoTrade:
			err = s.Engines.StartAutoTrade(c.Request.Context(), userID, symbol, period)
		case engine.KindQuoting:
			err = s.Engines.StartQuoting(c.Request.Context(), userID, symbol, period)
		}
		if err != nil {
			log.Printf("[API] start %s for user %s: %v", kind, userID, err)
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.statusOf(kind, userID))
	}
}

func (s *Server) stopEngine(kind engine.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := CurrentUserID(c)
		switch kind {
		case engine.KindAutoTrade:
			s.Engines.StopAutoTrade(userID)
		case engine.KindQuoting:
			s.Engines.StopQuoting(userID)
		}
		c.JSON(http.StatusOK, s.statusOf(kind, userID))
	}
}

func (s *Server) engineStatus(kind engine.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.statusOf(kind, CurrentUserID(c)))
	}
}

func (s *Server) statusOf(kind engine.Kind, userID string) engine.Status {
	if kind == engine.KindQuoting {
		return s.Engines.QuotingStatus(userID)
	}
	return s.Engines.AutoTradeStatus(userID)
}

func (s *Server) getSettings(c *gin.Context) {
	doc, err := s.Settings.Get(c.Request.Context(), CurrentUserID(c))
	if errors.Is(err, settings.ErrNotFound) {
		respondError(c, http.StatusNotFound, "SETTINGS_NOT_FOUND", "no trading settings for this user")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, doc)
}

// updateSettings merges the body onto the stored document (or the defaults).
// Status changes only through the risk endpoints.
func (s *Server) updateSettings(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()

	current, err := s.Settings.Get(ctx, userID)
	if errors.Is(err, settings.ErrNotFound) {
		current = settings.Defaults(userID)
	} else if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	doc := current
	if err := c.ShouldBindJSON(&doc); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	doc.UserID = userID
	doc.Symbol = strings.ToUpper(strings.TrimSpace(doc.Symbol))
	doc.Status = current.Status
	doc.PausedReason = current.PausedReason
	if err := doc.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
		return
	}
	if err := s.Settings.Save(ctx, doc); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) getRisk(c *gin.Context) {
	state, tracked := s.Risk.State(CurrentUserID(c))
	c.JSON(http.StatusOK, gin.H{
		"tracked": tracked,
		"state":   state,
	})
}

func (s *Server) resumeRisk(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Risk.Resume(c.Request.Context(), userID); err != nil {
		respondEngineError(c, err)
		return
	}
	log.Printf("[API] user %s resumed trading", userID)
	c.JSON(http.StatusOK, gin.H{"status": settings.StatusActive})
}

func (s *Server) listExecutions(c *gin.Context) {
	var q listExecutionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "limit must be a number")
		return
	}
	q.normalize()

	logs, err := s.DB.GetExecutionLogs(c.Request.Context(), CurrentUserID(c), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if logs == nil {
		logs = []db.ExecutionLog{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": logs})
}

func (s *Server) listConnections(c *gin.Context) {
	conns, err := s.DB.GetConnectionsByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewOf(conn))
	}
	c.JSON(http.StatusOK, gin.H{"connections": views})
}

// createConnection seals the keys for the current user and stores them.
func (s *Server) createConnection(c *gin.Context) {
	userID := CurrentUserID(c)
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	req.ExchangeType = strings.ToLower(strings.TrimSpace(req.ExchangeType))

	conn := db.Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ExchangeType: req.ExchangeType,
		Name:         strings.TrimSpace(req.Name),
		Testnet:      req.Testnet,
	}
	switch req.ExchangeType {
	case gateway.TypePaper:
	case gateway.TypeBinanceSpot:
		if req.APIKey == "" || req.APISecret == "" {
			respondError(c, http.StatusBadRequest, "MISSING_KEYS", "api_key and api_secret are required")
			return
		}
		if s.Keys == nil {
			respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", "encryption key not configured")
			return
		}
		var err error
		if conn.APIKeyEncrypted, err = s.Keys.Seal(userID, req.APIKey); err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api key")
			return
		}
		if conn.APISecretEncrypted, err = s.Keys.Seal(userID, req.APISecret); err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api secret")
			return
		}
		conn.KeyVersion = s.Keys.CurrentVersion()
	default:
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_EXCHANGE", "unsupported exchange_type "+req.ExchangeType)
		return
	}

	if err := s.DB.CreateConnection(c.Request.Context(), conn); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if s.Venues != nil {
		s.Venues.Invalidate(userID)
	}
	log.Printf("[API] user %s added %s connection %s", userID, conn.ExchangeType, conn.ID)

	conn.IsActive = true
	if conn.KeyVersion == 0 {
		conn.KeyVersion = 1
	}
	conn.CreatedAt = time.Now().UTC()
	c.JSON(http.StatusCreated, viewOf(conn))
}

func viewOf(conn db.Connection) connectionView {
	return connectionView{
		ID:           conn.ID,
		Name:         conn.Name,
		ExchangeType: conn.ExchangeType,
		Testnet:      conn.Testnet,
		IsActive:     conn.IsActive,
		KeyVersion:   conn.KeyVersion,
		CreatedAt:    conn.CreatedAt,
	}
}
