package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"everlong/internal/core"
	"everlong/internal/observability"
	"everlong/internal/protocol"
	"everlong/internal/query"
	"everlong/internal/vault"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server is the HTTP surface: vault operations against the engine,
// read models from the projection tables, health probes.
type Server struct {
	engine     *core.Engine
	query      *query.Service
	health     *observability.HealthChecker
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

func NewServer(engine *core.Engine, qs *query.Service, health *observability.HealthChecker) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		engine: engine,
		query:  qs,
		health: health,
		router: router,
		log:    observability.NewLogger("http"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", gin.WrapF(s.health.LivenessHandler))
	s.router.GET("/readyz", gin.WrapF(s.health.ReadinessHandler))

	v1 := s.router.Group("/v1")
	{
		v1.POST("/deposit", s.deposit)
		v1.POST("/redeem", s.redeem)
		v1.POST("/rebalance", s.rebalance)
		v1.GET("/can-rebalance", s.canRebalance)

		v1.GET("/total-assets", s.totalAssets)
		v1.GET("/preview/deposit", s.previewDeposit)
		v1.GET("/preview/redeem", s.previewRedeem)

		v1.GET("/vault", s.vaultStats)
		v1.GET("/positions", s.positions)
		v1.GET("/balances", s.balances)
		v1.GET("/journal", s.journal)
		v1.GET("/integrity", s.integrity)

		v1.PUT("/admin/config", s.updateConfig)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- Mutating operations ---

type depositRequest struct {
	Key    string `json:"key"`
	Assets int64  `json:"assets" binding:"required"`
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	shares, err := s.engine.Deposit(c.Request.Context(), req.Key, req.Assets)
	if err != nil {
		s.writeOpError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"shares_minted": shares})
}

type redeemRequest struct {
	Key    string `json:"key"`
	Shares int64  `json:"shares" binding:"required"`
}

func (s *Server) redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	paid, err := s.engine.Redeem(c.Request.Context(), req.Key, req.Shares)
	if err != nil {
		s.writeOpError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"assets_paid": paid})
}

type rebalanceRequest struct {
	Key string `json:"key"`
}

func (s *Server) rebalance(c *gin.Context) {
	var req rebalanceRequest
	// Body is optional: a bare POST gets a generated key.
	_ = c.ShouldBindJSON(&req)

	if err := s.engine.Rebalance(c.Request.Context(), req.Key); err != nil {
		s.writeOpError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "rebalanced"})
}

type configRequest struct {
	Key                  string `json:"key"`
	SlippageToleranceBps int64  `json:"slippage_tolerance_bps"`
	MaxClosuresPerCall   int64  `json:"max_closures_per_call"`
}

func (s *Server) updateConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := vault.Params{
		SlippageToleranceBps: req.SlippageToleranceBps,
		MaxClosuresPerCall:   req.MaxClosuresPerCall,
	}
	if err := s.engine.UpdateParams(c.Request.Context(), req.Key, params); err != nil {
		s.writeOpError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// --- Previews and live views ---

func (s *Server) canRebalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"can_rebalance": s.engine.CanRebalance()})
}

func (s *Server) totalAssets(c *gin.Context) {
	total, err := s.engine.TotalAssets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_assets": total})
}

func (s *Server) previewDeposit(c *gin.Context) {
	assets, err := strconv.ParseInt(c.Query("assets"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "assets must be an integer"})
		return
	}

	shares, err := s.engine.PreviewDeposit(c.Request.Context(), assets)
	if err != nil {
		s.writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares})
}

func (s *Server) previewRedeem(c *gin.Context) {
	shares, err := strconv.ParseInt(c.Query("shares"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "shares must be an integer"})
		return
	}

	assets, err := s.engine.PreviewRedeem(c.Request.Context(), shares)
	if err != nil {
		s.writeOpError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

func (s *Server) vaultStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

// --- Projection-backed read models ---

func (s *Server) positions(c *gin.Context) {
	includeClosed := c.Query("include_closed") == "true"

	positions, err := s.query.GetPositions(c.Request.Context(), includeClosed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) balances(c *gin.Context) {
	balances, err := s.query.GetBalances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

func (s *Server) journal(c *gin.Context) {
	limit := 100
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	var after *int64
	if a, err := strconv.ParseInt(c.Query("after_sequence"), 10, 64); err == nil {
		after = &a
	}

	entries, err := s.query.GetJournalHistory(c.Request.Context(), limit, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"journal": entries})
}

func (s *Server) integrity(c *gin.Context) {
	report, err := s.query.VerifyIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeOpError maps operation errors to status codes. Market guard trips
// and unreachable liquidity are unprocessable rather than client errors:
// the request was well-formed, the market just would not honor it.
func (s *Server) writeOpError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrDuplicateOperation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrInvalidParams):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrTargetLiquidityUnreachable),
		errors.Is(err, protocol.ErrMinOutputNotMet),
		errors.Is(err, protocol.ErrPriceGuard),
		errors.Is(err, protocol.ErrBelowMinimumTransaction):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.Error().Err(err).Msg("operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
