package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pragnya-works/edward/pkg/database"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/version"
)

// health reports liveness of the Postgres pool and Redis. Degraded
// dependencies turn the endpoint 503 so load balancers stop routing.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy := true

	var dbStatus any = "unavailable"
	if s.db != nil {
		h, err := database.Health(ctx, s.db)
		dbStatus = h
		if err != nil {
			healthy = false
		}
	} else {
		healthy = false
	}

	redisStatus := "healthy"
	if s.kv != nil {
		if _, err := s.kv.Get(ctx, "health:probe"); err != nil && !errors.Is(err, kv.ErrNotFound) {
			redisStatus = "unhealthy"
			healthy = false
		}
	} else {
		redisStatus = "unavailable"
		healthy = false
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
		"redis":    redisStatus,
		"version":  version.Full(),
	})
}
