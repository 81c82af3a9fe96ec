package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/exploopio/audit-anchor/pkg/metrics"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// requestID keeps a caller-supplied id or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		msg := "%s %s %d %s request_id=%s"
		args := []interface{}{c.Request.Method, c.Request.URL.Path, status, time.Since(start), c.GetString(requestIDKey)}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error(msg, args...)
		case status >= http.StatusBadRequest:
			s.logger.Warn(msg, args...)
		default:
			s.logger.Debug(msg, args...)
		}
	}
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := metrics.NewTimer(s.deps.Metrics, metrics.HTTPRequestDuration.Name, "method", c.Request.Method, "route", route)
		c.Next()
		timer.ObserveDuration()
		s.deps.Metrics.CounterInc(metrics.HTTPRequestsTotal.Name,
			"method", c.Request.Method, "route", route, "status", strconv.Itoa(c.Writer.Status()))
	}
}

// requireLedger answers 503 when anchoring is not configured.
func (s *Server) requireLedger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Ledger == nil {
			abortDetail(c, http.StatusServiceUnavailable, "anchoring is not configured")
			return
		}
		c.Next()
	}
}
