package api

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trebuchet-org/treb-relay/internal/domain"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Usecases bundles everything the HTTP surface dispatches to.
type Usecases struct {
	Enqueue   *usecase.Enqueue
	Status    *usecase.Status
	Retry     *usecase.Retry
	SyncRetry *usecase.SyncRetry
	Nonces    usecase.NonceAllocator
	Queue     usecase.JobQueue
}

// Server is the HTTP API over the relay.
type Server struct {
	engine *gin.Engine
	uc     Usecases
	log    *slog.Logger
}

// NewServer builds the router.
func NewServer(uc Usecases, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, uc: uc, log: log}

	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.POST("/transactions", s.enqueue)
		v1.GET("/transactions", s.list)
		v1.GET("/transactions/:id", s.get)
		v1.POST("/transactions/:id/retry", s.retry)
		v1.POST("/transactions/:id/sync-retry", s.syncRetry)
		v1.POST("/transactions/:id/cancel", s.cancel)

		v1.GET("/nonces/:chainId/:wallet", s.nonceInspect)
		v1.GET("/nonces/:chainId/:wallet/audit", s.nonceAudit)
		v1.POST("/nonces/:chainId/:wallet/sync", s.nonceSync)
		v1.POST("/nonces/:chainId/:wallet/reset", s.nonceReset)
	}
	return s
}

// Handler exposes the router for the HTTP server and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

type enqueueRequest struct {
	ChainID             uint64  `json:"chainId" binding:"required"`
	From                string  `json:"from" binding:"required"`
	To                  *string `json:"to"`
	Data                string  `json:"data"`
	Value               *string `json:"value"`
	GasLimitOverride    *uint64 `json:"gasLimitOverride"`
	GasPriceOverride    *string `json:"gasPriceOverride"`
	MaxFeeOverride      *string `json:"maxFeeOverride"`
	MaxPriorityOverride *string `json:"maxPriorityOverride"`
	TimeoutSeconds      uint64  `json:"timeoutSeconds"`
	AccountAddress      *string `json:"accountAddress"`
	Extension           string  `json:"extension"`
	FunctionName        string  `json:"functionName"`
	IdempotencyKey      string  `json:"idempotencyKey"`
	SimulateFirst       bool    `json:"simulateFirst"`
}

func (s *Server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("X-Idempotency-Key")
	}

	params := usecase.EnqueueParams{
		ChainID:          req.ChainID,
		From:             common.HexToAddress(req.From),
		Data:             common.FromHex(req.Data),
		GasLimitOverride: req.GasLimitOverride,
		TimeoutSeconds:   req.TimeoutSeconds,
		Extension:        req.Extension,
		FunctionName:     req.FunctionName,
		IdempotencyKey:   req.IdempotencyKey,
		SimulateFirst:    req.SimulateFirst,
	}
	if req.To != nil {
		to := common.HexToAddress(*req.To)
		params.To = &to
	}
	if req.AccountAddress != nil {
		account := common.HexToAddress(*req.AccountAddress)
		params.AccountAddress = &account
	}

	var parseErr error
	params.Value, parseErr = parseOptionalBig(req.Value, parseErr)
	params.GasPriceOverride, parseErr = parseOptionalBig(req.GasPriceOverride, parseErr)
	params.MaxFeeOverride, parseErr = parseOptionalBig(req.MaxFeeOverride, parseErr)
	params.MaxPriorityOverride, parseErr = parseOptionalBig(req.MaxPriorityOverride, parseErr)
	if parseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
		return
	}

	queueID, err := s.uc.Enqueue.Run(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queueId": queueID})
}

func (s *Server) get(c *gin.Context) {
	tx, err := s.uc.Status.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	result, err := s.uc.Status.List(c.Request.Context(), usecase.ListParams{
		Status: models.TransactionStatus(c.Query("status")),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": result.Transactions,
		"nextCursor":   result.NextCursor,
	})
}

func (s *Server) retry(c *gin.Context) {
	if err := s.uc.Retry.Run(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queueId": c.Param("id")})
}

type syncRetryRequest struct {
	GasPriceOverride    *string `json:"gasPriceOverride"`
	MaxFeeOverride      *string `json:"maxFeeOverride"`
	MaxPriorityOverride *string `json:"maxPriorityOverride"`
}

func (s *Server) syncRetry(c *gin.Context) {
	var req syncRetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	params := usecase.SyncRetryParams{QueueID: c.Param("id")}
	var parseErr error
	params.GasPriceOverride, parseErr = parseOptionalBig(req.GasPriceOverride, parseErr)
	params.MaxFeeOverride, parseErr = parseOptionalBig(req.MaxFeeOverride, parseErr)
	params.MaxPriorityOverride, parseErr = parseOptionalBig(req.MaxPriorityOverride, parseErr)
	if parseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
		return
	}

	hash, err := s.uc.SyncRetry.Run(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash.Hex()})
}

func (s *Server) cancel(c *gin.Context) {
	job := models.CancelJob{QueueID: c.Param("id")}
	if err := s.uc.Queue.EnqueueCancel(c.Request.Context(), job); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queueId": c.Param("id")})
}

func (s *Server) nonceParams(c *gin.Context) (uint64, common.Address, bool) {
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad chain id"})
		return 0, common.Address{}, false
	}
	if !common.IsHexAddress(c.Param("wallet")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad wallet address"})
		return 0, common.Address{}, false
	}
	return chainID, common.HexToAddress(c.Param("wallet")), true
}

func (s *Server) nonceInspect(c *gin.Context) {
	chainID, wallet, ok := s.nonceParams(c)
	if !ok {
		return
	}
	snapshot, err := s.uc.Nonces.Inspect(c.Request.Context(), chainID, wallet)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) nonceAudit(c *gin.Context) {
	chainID, wallet, ok := s.nonceParams(c)
	if !ok {
		return
	}
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	entries, err := s.uc.Nonces.Audit(c.Request.Context(), chainID, wallet, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) nonceSync(c *gin.Context) {
	chainID, wallet, ok := s.nonceParams(c)
	if !ok {
		return
	}
	if err := s.uc.Nonces.SyncFromChain(c.Request.Context(), chainID, wallet); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) nonceReset(c *gin.Context) {
	chainID, wallet, ok := s.nonceParams(c)
	if !ok {
		return
	}
	if err := s.uc.Nonces.Reset(c.Request.Context(), chainID, wallet); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrSimulationFailed),
		errors.Is(err, domain.ErrNotRetryable),
		errors.Is(err, domain.ErrAlreadyMined):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseOptionalBig(v *string, prior error) (*big.Int, error) {
	if prior != nil || v == nil {
		return nil, prior
	}
	n, ok := new(big.Int).SetString(*v, 10)
	if !ok {
		return nil, domain.ErrInvalidInput
	}
	return n, nil
}
