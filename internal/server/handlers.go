package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readyTimeout = 2 * time.Second

func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports ready once the database answers a ping.
func (s *Server) Readyz(c *gin.Context) {
	if s.db == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrServiceUnavailable, err))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrServiceUnavailable, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Status returns the summary of the current or latest collation cycle.
func (s *Server) Status(c *gin.Context) {
	if s.status == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, s.status.Status())
}
