package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pragnya-works/edward/pkg/sandbox"
)

type execRequest struct {
	Command []string `json:"command"`
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// execCommand runs a gateway-checked command in the chat's sandbox. A
// non-zero exit code is a normal outcome; only rejected or failed
// executions become HTTP errors.
func (s *Server) execCommand(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(req.Command) == 0 {
		s.badRequest(c, "command is required")
		return
	}

	state, err := s.states.GetActive(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	execer := sandbox.NewExecer(s.driver, state.ContainerID)
	result, err := s.gateway.Run(c.Request.Context(), execer, req.Command)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, execResponse{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	})
}
