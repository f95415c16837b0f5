// Package api implements the coordinator's JSON HTTP surface (§6):
// intent submission/lookup, bid submission, health, and metrics, plus
// mounting the solver/subscriber WebSocket upgrade routes. Routed with
// gin-gonic/gin, the teacher pack's HTTP framework of choice
// (leanlp-BTC-coinjoin), with gin.Recovery(), a request-logging
// middleware, and the coordinator's own token-bucket limiter as the only
// middleware -- CORS and production auth are explicitly out of spec.md's
// scope.
package api

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/intentauction/coordinator/internal/admission"
	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/auction"
	"github.com/intentauction/coordinator/internal/authtoken"
	"github.com/intentauction/coordinator/internal/domain"
	"github.com/intentauction/coordinator/internal/log"
	"github.com/intentauction/coordinator/internal/metrics"
	"github.com/intentauction/coordinator/internal/ratelimit"
	"github.com/intentauction/coordinator/internal/sig"
	"github.com/intentauction/coordinator/internal/solversession"
	"github.com/intentauction/coordinator/internal/store"
	"github.com/intentauction/coordinator/internal/subscriber"
)

// errorEnvelope is the coordinator's single JSON error shape (§6).
type errorEnvelope struct {
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Code      string   `json:"code,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Server wires the coordinator's HTTP and WebSocket surface.
type Server struct {
	intents     store.IntentStore
	bids        store.BidStore
	pipeline    *admission.Pipeline
	controller  *auction.Controller
	verifier    *sig.Verifier
	solverMgr   *solversession.Manager
	subMgr      *subscriber.Manager
	issuer      *authtoken.Issuer
	limiter     *ratelimit.Limiter
	metricsReg  *metrics.Registry
	log         *log.Logger

	engine *gin.Engine
}

// Deps bundles every component the API layer routes requests into.
type Deps struct {
	Intents    store.IntentStore
	Bids       store.BidStore
	Pipeline   *admission.Pipeline
	Controller *auction.Controller
	Verifier   *sig.Verifier
	SolverMgr  *solversession.Manager
	SubMgr     *subscriber.Manager
	Issuer     *authtoken.Issuer
	Limiter    *ratelimit.Limiter
	MetricsReg *metrics.Registry
	Log        *log.Logger
}

// New builds a Server and its gin router.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		intents:    deps.Intents,
		bids:       deps.Bids,
		pipeline:   deps.Pipeline,
		controller: deps.Controller,
		verifier:   deps.Verifier,
		solverMgr:  deps.SolverMgr,
		subMgr:     deps.SubMgr,
		issuer:     deps.Issuer,
		limiter:    deps.Limiter,
		metricsReg: deps.MetricsReg,
		log:        deps.Log,
	}
	s.engine = s.newEngine()
	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

const requestLoggerKey = "requestLogger"

func (s *Server) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLoggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	r.GET("/health", s.handleHealth)
	if s.metricsReg != nil {
		r.GET("/metrics", gin.WrapH(s.metricsReg.Handler()))
	}

	apiGroup := r.Group("/api")
	apiGroup.POST("/intents", s.handleSubmitIntent)
	apiGroup.GET("/intents/:hash", s.handleGetIntent)
	apiGroup.GET("/intents/:hash/status", s.handleGetIntentStatus)
	apiGroup.GET("/intents/:hash/best-bid", s.handleGetBestBid)
	apiGroup.POST("/intents/:hash/settlement", s.handleConfirmSettlement)
	apiGroup.POST("/bids", s.handleSubmitBid)
	apiGroup.POST("/bids/:bidId/withdraw", s.handleWithdrawBid)

	if s.solverMgr != nil {
		r.GET("/ws/solver", gin.WrapF(s.solverMgr.ServeHTTP))
	}
	if s.subMgr != nil {
		r.GET("/ws/subscribe", gin.WrapF(s.subMgr.ServeHTTP))
	}

	return r
}

// requestLoggingMiddleware tags every request with a fresh id, stashes a
// logger carrying it in the gin context for handlers to pull via
// requestLogger(c), and logs method/path/status/latency once the
// handler chain completes.
func (s *Server) requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.log == nil {
			c.Next()
			return
		}
		id := uuid.NewString()
		c.Set(requestLoggerKey, s.log.WithRequestID(id))
		c.Writer.Header().Set("X-Request-Id", id)
		start := time.Now()

		c.Next()

		s.log.WithRequestID(id).Info("request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	}
}

// requestLogger returns the per-request child logger attached by
// requestLoggingMiddleware, falling back to the server's base logger if
// none is set (e.g. in tests that call handlers directly).
func (s *Server) requestLogger(c *gin.Context) *log.Logger {
	if v, ok := c.Get(requestLoggerKey); ok {
		if l, ok := v.(*log.Logger); ok {
			return l
		}
	}
	return s.log
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		key := c.ClientIP()
		if !s.limiter.Allow(key) {
			s.writeError(c, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	var fields []string
	if ae, ok := err.(*apperr.Error); ok {
		fields = ae.Fields
	}
	if kind == apperr.KindInternal {
		if l := s.requestLogger(c); l != nil {
			l.Error("request failed", "error", err, "path", c.FullPath())
		}
	}
	c.JSON(apperr.HTTPStatus(kind), errorEnvelope{
		Status:    "error",
		Message:   err.Error(),
		Code:      string(kind),
		Fields:    fields,
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
}

// submitIntentRequest is the JSON body of POST /api/intents.
type submitIntentRequest struct {
	TokenIn        string `json:"tokenIn" binding:"required"`
	TokenOut       string `json:"tokenOut" binding:"required"`
	AmountIn       string `json:"amountIn" binding:"required"`
	MaxSlippageBps uint32 `json:"maxSlippageBps"`
	Deadline       int64  `json:"deadline" binding:"required"`
	ChainID        uint64 `json:"chainId" binding:"required"`
	Receiver       string `json:"receiver" binding:"required"`
	Nonce          string `json:"nonce" binding:"required"`
	Signature      string `json:"signature" binding:"required"`
}

func (s *Server) handleSubmitIntent(c *gin.Context) {
	var req submitIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
		return
	}

	amountIn, ok := new(uint256.Int).SetString(req.AmountIn)
	if ok != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid amountIn").WithFields("amountIn"))
		return
	}
	nonce, ok := new(uint256.Int).SetString(req.Nonce)
	if ok != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid nonce").WithFields("nonce"))
		return
	}
	signature, err := decodeSignature(req.Signature)
	if err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid signature").WithFields("signature"))
		return
	}

	payload := domain.IntentPayload{
		TokenIn:        common.HexToAddress(req.TokenIn),
		TokenOut:       common.HexToAddress(req.TokenOut),
		AmountIn:       amountIn,
		MaxSlippageBps: req.MaxSlippageBps,
		Deadline:       req.Deadline,
		ChainID:        req.ChainID,
		Receiver:       common.HexToAddress(req.Receiver),
		Nonce:          nonce,
	}

	result, err := s.pipeline.Submit(c.Request.Context(), payload, signature)
	if err != nil {
		s.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"status":          "success",
		"intentHash":      result.IntentHash.Hex(),
		"biddingWindowMs": result.BiddingWindowMs,
		"expiresAt":       result.ExpiresAt,
	})
}

func (s *Server) handleGetIntent(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	intent, err := s.intents.FindByHash(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (s *Server) handleGetIntentStatus(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	intent, err := s.intents.FindByHash(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": intent.Status, "updatedAt": intent.UpdatedAt})
}

func (s *Server) handleGetBestBid(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	intent, err := s.intents.FindByHash(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	best, err := s.bids.BestAccepted(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := gin.H{"bid": best, "totalBids": intent.TotalBids, "windowClosesAt": intent.ExpiresAt}
	if best != nil {
		resp["score"] = best.Score
	}
	c.JSON(http.StatusOK, resp)
}

// submitBidRequest is the JSON body of POST /api/bids.
type submitBidRequest struct {
	IntentHash   string `json:"intentHash" binding:"required"`
	QuoteOut     string `json:"quoteOut" binding:"required"`
	SolverFeeBps uint16 `json:"solverFeeBps"`
	CalldataHint string `json:"calldataHint" binding:"required"`
	TTLMs        uint32 `json:"ttlMs" binding:"required"`
	Signature    string `json:"signature" binding:"required"`
}

func (s *Server) handleSubmitBid(c *gin.Context) {
	var req submitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
		return
	}

	hash, err := parseHash(req.IntentHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	quoteOut, ok := new(uint256.Int).SetString(req.QuoteOut)
	if ok != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid quoteOut").WithFields("quoteOut"))
		return
	}
	calldataHint, err := hexDecode(req.CalldataHint)
	if err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid calldataHint").WithFields("calldataHint"))
		return
	}
	signature, err := decodeSignature(req.Signature)
	if err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid signature").WithFields("signature"))
		return
	}

	sub := auction.BidSubmission{
		IntentHash: hash,
		Fields: domain.BidFields{
			IntentHash:   hash,
			QuoteOut:     quoteOut,
			SolverFeeBps: req.SolverFeeBps,
			CalldataHint: calldataHint,
			TTLMs:        req.TTLMs,
		},
		Signature: signature,
	}

	resp, err := s.controller.SubmitBid(c.Request.Context(), sub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"accepted": resp.Accepted,
		"bidId":    resp.BidID,
		"rank":     resp.Rank,
		"score":    resp.Score,
	})
}

// confirmSettlementRequest is the JSON body of POST /api/intents/:hash/settlement,
// called by whatever downstream settler consumes coordinator:bid_selection.
type confirmSettlementRequest struct {
	BidID string `json:"bidId" binding:"required"`
}

func (s *Server) handleConfirmSettlement(c *gin.Context) {
	hash, err := parseHash(c.Param("hash"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req confirmSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
		return
	}
	if err := s.controller.ConfirmSettlement(c.Request.Context(), hash, req.BidID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "intentHash": hash.Hex(), "bidId": req.BidID})
}

// withdrawBidRequest is the JSON body of POST /api/bids/:bidId/withdraw. The
// signature is recovered the same way submit_bid recovers solverId: it must
// cover the exact fields of the bid being withdrawn.
type withdrawBidRequest struct {
	Signature string `json:"signature" binding:"required"`
}

func (s *Server) handleWithdrawBid(c *gin.Context) {
	bidID := c.Param("bidId")
	var req withdrawBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
		return
	}
	signature, err := decodeSignature(req.Signature)
	if err != nil {
		s.writeError(c, apperr.New(apperr.KindInvalidInput, "invalid signature").WithFields("signature"))
		return
	}

	bid, err := s.bids.FindByID(c.Request.Context(), bidID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	callerSolverID, err := s.verifier.VerifyBid(bid.Fields, signature)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.controller.WithdrawBid(c.Request.Context(), bid.IntentHash, bidID, callerSolverID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "bidId": bidID})
}

func parseHash(s string) (common.Hash, error) {
	if len(s) != 66 || s[0] != '0' || s[1] != 'x' {
		return common.Hash{}, apperr.New(apperr.KindInvalidInput, "malformed intent hash").WithFields("hash")
	}
	for _, c := range s[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return common.Hash{}, apperr.New(apperr.KindInvalidInput, "malformed intent hash").WithFields("hash")
		}
	}
	return common.HexToHash(s), nil
}

func decodeSignature(s string) ([65]byte, error) {
	var sig [65]byte
	b, err := hexDecode(s)
	if err != nil || len(b) != 65 {
		return sig, apperr.New(apperr.KindInvalidInput, "signature must be 65 bytes")
	}
	copy(sig[:], b)
	return sig, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s) < 2 || s[0] != '0' || s[1] != 'x' {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid hex encoding", err)
	}
	return b, nil
}
