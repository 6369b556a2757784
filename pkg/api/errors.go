package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pragnya-works/edward/pkg/gateway"
	"github.com/pragnya-works/edward/pkg/kv"
	"github.com/pragnya-works/edward/pkg/sandbox"
	"github.com/pragnya-works/edward/pkg/store"
)

// apiError is the uniform error body.
type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// respondError maps a domain error onto the HTTP status taxonomy and
// writes the uniform body. Internal errors are logged but not leaked.
func (s *Server) respondError(c *gin.Context, err error) {
	status, message := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(),
			"request_id", requestIDFrom(c), "error", err)
		message = "internal server error"
	}
	c.AbortWithStatusJSON(status, apiError{Error: message, RequestID: requestIDFrom(c)})
}

// badRequest rejects malformed input that never reached a store call.
func (s *Server) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, apiError{Error: message, RequestID: requestIDFrom(c)})
}

func classify(err error) (int, string) {
	var status int
	switch {
	case store.IsValidationError(err), errors.Is(err, gateway.ErrInvalidArg):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotAllowed),
		errors.Is(err, gateway.ErrDisallowedPattern),
		errors.Is(err, gateway.ErrPathEscape):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrRunTerminal):
		status = http.StatusConflict
	case errors.Is(err, store.ErrTooManyActiveRuns), errors.Is(err, kv.ErrRateLimited):
		status = http.StatusTooManyRequests
	default:
		status = http.StatusInternalServerError
	}
	return status, err.Error()
}
