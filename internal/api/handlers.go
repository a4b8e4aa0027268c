package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"priceindex/internal/aggregator"
	"priceindex/reader"
)

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

func (s *Server) handleGlobalPriceIndex(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	idx, err := s.index.GlobalPriceIndex(ctx)
	switch {
	case errors.Is(err, aggregator.ErrAllSourcesUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.log.WithComponent("api").WithError(err).Error("global price index failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	price, _ := idx.Price.Float64()
	c.JSON(http.StatusOK, gin.H{"price": price})
}

func (s *Server) exchange(c *gin.Context) (Exchange, bool) {
	name := c.Param("exchange")
	ex, ok := s.exchanges[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown exchange " + name})
	}
	return ex, ok
}

func (s *Server) handleMidPrice(c *gin.Context) {
	ex, ok := s.exchange(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	price, ok, err := ex.MidPrice(ctx)
	if err != nil {
		s.log.WithComponent("api").WithError(err).WithField("exchange", ex.Name()).Warn("mid price lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no mid price available"})
		return
	}
	value, _ := price.Float64()
	c.JSON(http.StatusOK, gin.H{"exchange": ex.Name(), "price": value})
}

func (s *Server) handleOrderBook(c *gin.Context) {
	ex, ok := s.exchange(c)
	if !ok {
		return
	}
	snap, ok := ex.OrderBook()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order book not populated"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleHealth reports connector states. The service is healthy while at
// least one connector holds a live connection.
func (s *Server) handleHealth(c *gin.Context) {
	states := make(map[string]string, len(s.order))
	connected := 0
	for _, name := range s.order {
		st := s.exchanges[name].State()
		states[name] = st.String()
		if st == reader.StateConnected {
			connected++
		}
	}

	status, code := "ok", http.StatusOK
	if connected == 0 {
		status, code = "unavailable", http.StatusServiceUnavailable
	} else if connected < len(s.order) {
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "exchanges": states})
}
