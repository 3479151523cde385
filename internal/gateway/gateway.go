package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terminal-bench/flowvault/internal/auth"
	"github.com/terminal-bench/flowvault/internal/ledger"
	"github.com/terminal-bench/flowvault/internal/vault"
	"github.com/terminal-bench/flowvault/pkg/circuit"
	"github.com/terminal-bench/flowvault/pkg/messaging"
)

// Gateway is the HTTP API in front of the vault service.
type Gateway struct {
	router   *gin.Engine
	vaults   *vault.Service
	auth     *auth.Service
	events   *messaging.Client
	cache    *VaultCache
	breakers *circuit.BreakerGroup

	wsClients map[uuid.UUID]*WSClient
	wsMu      sync.RWMutex

	rateLimiter *RateLimiter

	// defaultFeeSink is used when a config-init request does not name a
	// fee sink account.
	defaultFeeSink uuid.UUID
}

// Config holds gateway configuration.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	CacheTTL        time.Duration
	RedisAddr       string
	DefaultFeeSink  uuid.UUID
}

// New creates the gateway and registers its routes.
func New(cfg Config, vaults *vault.Service, authSvc *auth.Service, events *messaging.Client) *Gateway {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}

	var cache *VaultCache
	if cfg.RedisAddr != "" {
		cache = NewVaultCache(cfg.RedisAddr, cacheTTL)
	}

	g := &Gateway{
		router: gin.Default(),
		vaults: vaults,
		auth:   authSvc,
		events: events,
		cache:  cache,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		defaultFeeSink: cfg.DefaultFeeSink,
	}

	g.setupRoutes()
	g.subscribeEvents()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.correlationMiddleware())

	g.router.GET("/health", g.healthCheck)

	// Auth
	g.router.POST("/api/v1/auth/register", g.register)
	g.router.POST("/api/v1/auth/login", g.login)

	v1 := g.router.Group("/api/v1", g.authMiddleware())
	{
		v1.POST("/config", g.initConfig)
		v1.GET("/config", g.getConfig)
		v1.POST("/config/pause", g.setPaused)

		v1.POST("/providers", g.registerProvider)
		v1.GET("/providers/:authority", g.getProvider)

		v1.POST("/vaults", g.createVault)
		v1.GET("/vaults/:owner", g.getVault)
		v1.POST("/vaults/:owner/settle", g.settleBatch)
		v1.POST("/vaults/:owner/withdraw", g.withdraw)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Router exposes the underlying router for serving and tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		callerID, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("caller_id", callerID)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := g.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (g *Gateway) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (g *Gateway) initConfig(c *gin.Context) {
	var req InitConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	feeSink := req.FeeSink
	if feeSink == uuid.Nil {
		feeSink = g.defaultFeeSink
	}
	if feeSink == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fee sink account configured"})
		return
	}

	caller := c.MustGet("caller_id").(uuid.UUID)

	var cfg *vault.ProtocolConfig
	err := g.breakers.Execute(c.Request.Context(), "vault", func() error {
		var err error
		cfg, err = g.vaults.InitConfig(c.Request.Context(), caller, req.SettleThreshold, req.FeeBps, feeSink)
		return err
	})
	if err != nil {
		g.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cfg)
}

func (g *Gateway) getConfig(c *gin.Context) {
	cfg, err := g.vaults.Config(c.Request.Context())
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (g *Gateway) setPaused(c *gin.Context) {
	var req SetPausedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	caller := c.MustGet("caller_id").(uuid.UUID)

	cfg, err := g.vaults.SetPaused(c.Request.Context(), caller, *req.Paused)
	if err != nil {
		g.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

func (g *Gateway) registerProvider(c *gin.Context) {
	var req RegisterProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	caller := c.MustGet("caller_id").(uuid.UUID)

	p, err := g.vaults.RegisterProvider(c.Request.Context(), caller, req.Destination)
	if err != nil {
		g.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, p)
}

func (g *Gateway) getProvider(c *gin.Context) {
	authority, err := uuid.Parse(c.Param("authority"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid authority"})
		return
	}

	p, err := g.vaults.Provider(c.Request.Context(), authority)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (g *Gateway) createVault(c *gin.Context) {
	var req CreateVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	caller := c.MustGet("caller_id").(uuid.UUID)

	var v *vault.Vault
	err := g.breakers.Execute(c.Request.Context(), "vault", func() error {
		var err error
		v, err = g.vaults.CreateVault(c.Request.Context(), caller, req.Provider, req.Deposit)
		return err
	})
	if err != nil {
		g.writeError(c, err)
		return
	}

	g.cache.Set(c.Request.Context(), v)
	c.JSON(http.StatusCreated, v)
}

func (g *Gateway) getVault(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}

	if v := g.cache.Get(c.Request.Context(), owner); v != nil {
		c.JSON(http.StatusOK, v)
		return
	}

	v, err := g.vaults.Vault(c.Request.Context(), owner)
	if err != nil {
		g.writeError(c, err)
		return
	}

	g.cache.Set(c.Request.Context(), v)
	c.JSON(http.StatusOK, v)
}

func (g *Gateway) settleBatch(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}

	var req SettleBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	caller := c.MustGet("caller_id").(uuid.UUID)

	var res *vault.Settlement
	err = g.breakers.Execute(c.Request.Context(), "vault", func() error {
		var err error
		res, err = g.vaults.SettleBatch(c.Request.Context(), caller, owner, req.Amount, req.Nonce)
		return err
	})
	if err != nil {
		g.writeError(c, err)
		return
	}

	g.cache.Invalidate(c.Request.Context(), owner)
	c.JSON(http.StatusOK, res)
}

func (g *Gateway) withdraw(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
		return
	}

	caller := c.MustGet("caller_id").(uuid.UUID)

	var res *vault.Withdrawal
	err = g.breakers.Execute(c.Request.Context(), "vault", func() error {
		var err error
		res, err = g.vaults.Withdraw(c.Request.Context(), caller, owner)
		return err
	})
	if err != nil {
		g.writeError(c, err)
		return
	}

	g.cache.Invalidate(c.Request.Context(), owner)
	c.JSON(http.StatusOK, res)
}

// writeError maps domain errors to HTTP statuses following the error
// taxonomy: authorization, state conflict, validation, replay, and
// availability failures each get a distinct class of status.
func (g *Gateway) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrAlreadyInitialized),
		errors.Is(err, vault.ErrDuplicateProvider),
		errors.Is(err, vault.ErrDuplicateVault),
		errors.Is(err, vault.ErrInvalidNonce):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrInvalidFeeRate),
		errors.Is(err, vault.ErrZeroDeposit),
		errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrNothingToWithdraw),
		errors.Is(err, vault.ErrBelowThreshold):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrVaultPaused):
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	case errors.Is(err, vault.ErrConfigNotFound),
		errors.Is(err, vault.ErrProviderNotFound),
		errors.Is(err, vault.ErrVaultNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrTooManyRequests):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Allow checks if a request is allowed under the sliding window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimiter implements a sliding-window per-client rate limit.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Request types

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type InitConfigRequest struct {
	SettleThreshold int64     `json:"settle_threshold" binding:"min=0"`
	FeeBps          uint16    `json:"fee_bps"`
	FeeSink         uuid.UUID `json:"fee_sink"`
}

type SetPausedRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

type RegisterProviderRequest struct {
	Destination uuid.UUID `json:"destination" binding:"required"`
}

type CreateVaultRequest struct {
	Provider uuid.UUID `json:"provider" binding:"required"`
	Deposit  int64     `json:"deposit"`
}

type SettleBatchRequest struct {
	Amount int64  `json:"amount"`
	Nonce  uint64 `json:"nonce"`
}
