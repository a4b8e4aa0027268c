// Package api serves the global price index and per-exchange diagnostics
// over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"priceindex/config"
	"priceindex/internal/metrics"
	"priceindex/logger"
	"priceindex/models"
	"priceindex/reader"
)

const defaultPort = "3000"

// IndexSource computes the global price index.
type IndexSource interface {
	GlobalPriceIndex(ctx context.Context) (models.GlobalPriceIndex, error)
}

// Exchange is the per-exchange view served by the diagnostic routes.
type Exchange interface {
	Name() string
	MidPrice(ctx context.Context) (decimal.Decimal, bool, error)
	OrderBook() (models.BookSnapshot, bool)
	State() reader.State
}

type Server struct {
	cfg           config.APIConfig
	log           *logger.Log
	index         IndexSource
	exchanges     map[string]Exchange
	order         []string
	limiter       *rate.Limiter
	metricStore   *metricStore
	logStore      *logStore
	hostSampler   *hostSampler
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

func NewServer(cfg config.APIConfig, index IndexSource, exchanges []Exchange, log *logger.Log) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		index:       index,
		exchanges:   make(map[string]Exchange, len(exchanges)),
		metricStore: newMetricStore(cfg.HistorySize),
		logStore:    newLogStore(cfg.HistorySize),
		hostSampler: newHostSampler(cfg.HistorySize, 10*time.Second, "/", log),
	}
	for _, ex := range exchanges {
		s.exchanges[ex.Name()] = ex
		s.order = append(s.order, ex.Name())
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.handle)
	log.AddHook(s.logStore)
	return s
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.hostSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.hostSampler.stop()
}

func (s *Server) Address() string {
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), s.rateLimit())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/global-price-index", s.handleGlobalPriceIndex)
	router.GET("/exchanges/:exchange/mid-price", s.handleMidPrice)
	router.GET("/exchanges/:exchange/order-book", s.handleOrderBook)
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/host", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"samples": s.hostSampler.snapshot()})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") || net.ParseIP(addr) != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}
