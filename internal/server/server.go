// Package server exposes the facilitator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402x/facilitator/internal/facilitator"
	"github.com/x402x/facilitator/internal/metrics"
	"github.com/x402x/facilitator/internal/pool"
)

// Options configure the HTTP server.
type Options struct {
	Port             int
	RequestBodyLimit int64
	AllowedOrigin    string

	// Per-endpoint budgets: verify is cheap and sized above settle, which
	// ties up a signer slot per call. Fee quotes share the verify budget.
	RateLimitEnabled bool
	VerifyPerMin     int
	SettlePerMin     int
	Burst            int
}

// Server is the facilitator's HTTP surface.
type Server struct {
	dispatcher *facilitator.Dispatcher
	pools      map[string]*pool.Pool
	metrics    *metrics.Metrics
	rdb        *redis.Client
	log        *zap.Logger

	engine *gin.Engine
	http   *http.Server
}

// New wires the routes and middleware.
func New(
	dispatcher *facilitator.Dispatcher,
	pools map[string]*pool.Pool,
	m *metrics.Metrics,
	rdb *redis.Client,
	opts Options,
	log *zap.Logger,
) *Server {
	if opts.RequestBodyLimit <= 0 {
		opts.RequestBodyLimit = 1 << 20
	}
	if opts.VerifyPerMin <= 0 {
		opts.VerifyPerMin = 120
	}
	if opts.SettlePerMin <= 0 {
		opts.SettlePerMin = 60
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(corsMiddleware(opts.AllowedOrigin))

	s := &Server{
		dispatcher: dispatcher,
		pools:      pools,
		metrics:    m,
		rdb:        rdb,
		log:        log,
		engine:     engine,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	// Operational endpoints stay outside the rate limit so probes and
	// scrapes never get throttled.
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	api := engine.Group("/")
	api.Use(bodyLimit(opts.RequestBodyLimit))
	if opts.RateLimitEnabled {
		limiter := newRateLimiter(rdb, opts.Burst, log)
		api.POST("/verify", limiter.limit("verify", opts.VerifyPerMin), s.handleVerify)
		api.POST("/settle", limiter.limit("settle", opts.SettlePerMin), s.handleSettle)
		api.POST("/calculate-fee", limiter.limit("fee", opts.VerifyPerMin), s.handleCalculateFee)
	} else {
		api.POST("/verify", s.handleVerify)
		api.POST("/settle", s.handleSettle)
		api.POST("/calculate-fee", s.handleCalculateFee)
	}

	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady reports 503 with a per-check breakdown until the facilitator
// can actually settle payments.
func (s *Server) handleReady(c *gin.Context) {
	checks := gin.H{}
	ready := true

	signers := 0
	for _, p := range s.pools {
		signers += p.Size()
	}
	checks["signers"] = signers > 0
	checks["networks"] = len(s.pools) > 0
	if signers == 0 || len(s.pools) == 0 {
		ready = false
	}

	// Redis is optional; report it but do not gate readiness on it.
	if s.rdb != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		checks["redis"] = s.rdb.Ping(ctx).Err() == nil
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.dispatcher.Supported())
}

// networkProbe pulls the network out of a request body for telemetry
// labels without committing to a full parse.
type networkProbe struct {
	PaymentRequirements struct {
		Network string `json:"network"`
	} `json:"paymentRequirements"`
}

func probeNetwork(body []byte) string {
	var p networkProbe
	if err := json.Unmarshal(body, &p); err != nil || p.PaymentRequirements.Network == "" {
		return "unknown"
	}
	return p.PaymentRequirements.Network
}

func (s *Server) handleVerify(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	if err := validateRequestBody(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         facilitator.ReasonSchemaInvalid,
			"invalidReason": err.Error(),
		})
		return
	}

	network := probeNetwork(body)
	resp, verr := s.dispatcher.Verify(c.Request.Context(), body)
	version := strconv.Itoa(resp.X402Version)
	if verr != nil {
		s.metrics.RecordRequest("verify", network, version, verr.Code)
		c.JSON(s.statusFor(verr), resp)
		return
	}

	outcome := "valid"
	if !resp.IsValid {
		outcome = resp.InvalidReason
	}
	s.metrics.RecordRequest("verify", network, version, outcome)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	if err := validateRequestBody(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":       facilitator.ReasonSchemaInvalid,
			"errorReason": err.Error(),
		})
		return
	}

	network := probeNetwork(body)
	start := time.Now()
	resp, serr := s.dispatcher.Settle(c.Request.Context(), body)
	version := strconv.Itoa(resp.X402Version)

	if serr != nil {
		s.metrics.RecordRequest("settle", network, version, serr.Code)
		s.metrics.ObserveSettleDuration(network, serr.Code, time.Since(start))
		status := s.statusFor(serr)
		if status == http.StatusInternalServerError {
			// Internal details never reach the client; the correlation id
			// links the response to the log line.
			id := uuid.NewString()
			s.log.Error("internal settlement error",
				zap.String("correlationId", id),
				zap.String("detail", serr.Message))
			resp.ErrorReason = facilitator.ReasonInternalError
			c.JSON(status, gin.H{"correlationId": id, "response": resp})
			return
		}
		c.JSON(status, resp)
		return
	}

	s.metrics.RecordRequest("settle", network, version, "success")
	s.metrics.ObserveSettleDuration(network, "success", time.Since(start))
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCalculateFee(c *gin.Context) {
	var req facilitator.FeeQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": facilitator.ReasonSchemaInvalid})
		return
	}
	resp, qerr := s.dispatcher.CalculateFee(c.Request.Context(), req)
	if qerr != nil {
		c.JSON(s.statusFor(qerr), gin.H{"error": qerr.Code, "detail": qerr.Message})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// statusFor maps a taxonomy error to an HTTP status.
func (s *Server) statusFor(e *facilitator.Error) int {
	switch facilitator.CategoryOf(e.Code) {
	case facilitator.CategoryClientInput:
		return http.StatusBadRequest
	case facilitator.CategoryPaymentInvalid:
		return http.StatusPaymentRequired
	case facilitator.CategoryCapacity:
		return http.StatusTooManyRequests
	case facilitator.CategoryExternal:
		if e.Code == facilitator.ReasonReceiptTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
