package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pragnya-works/edward/pkg/llm"
	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/queue"
)

// createRunRequest is the POST /api/runs body. History is the prior
// chat transcript the caller wants replayed into the model context.
type createRunRequest struct {
	ChatID        string        `json:"chatId"`
	UserID        string        `json:"userId"`
	UserMessageID string        `json:"userMessageId"`
	Prompt        string        `json:"prompt"`
	Model         string        `json:"model"`
	System        string        `json:"system"`
	APIKey        string        `json:"apiKey"`
	History       []llm.Message `json:"history"`
	IsNewChat     bool          `json:"isNewChat"`
}

// createRun admits a run and hands it to the executor on a detached
// goroutine. The response carries the queued run so the client can open
// the event stream immediately.
func (s *Server) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	// Clients may send the API key envelope-encrypted; plaintext keys
	// pass through untouched.
	apiKey := req.APIKey
	if s.secrets != nil {
		var err error
		if apiKey, err = s.secrets.Decrypt(req.APIKey); err != nil {
			s.badRequest(c, "could not decrypt api key")
			return
		}
	}

	run, err := s.runs.CreateRun(c.Request.Context(), models.CreateRunRequest{
		ChatID:        req.ChatID,
		UserID:        req.UserID,
		UserMessageID: req.UserMessageID,
		Prompt:        req.Prompt,
		Model:         req.Model,
	}, s.cfg.MaxActiveRunsPerUser)
	if err != nil {
		s.respondError(c, err)
		return
	}

	// The run outlives the request; its context must not inherit the
	// request's cancellation.
	go func() {
		if _, err := s.starter.Execute(context.Background(), queue.RunRequest{
			Run:       run,
			Prompt:    req.Prompt,
			History:   req.History,
			System:    req.System,
			APIKey:    apiKey,
			Model:     req.Model,
			IsNewChat: req.IsNewChat,
		}); err != nil {
			s.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, run)
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// cancelRun flips the run's cancel flag and interrupts it if it is
// executing on this node. A queued run is finalized immediately by the
// store; a running run winds down through the agent loop.
func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	wasActive, err := s.runs.RequestCancel(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	interrupted := s.canceller.CancelRun(id)
	c.JSON(http.StatusOK, gin.H{
		"runId":       id,
		"wasActive":   wasActive,
		"interrupted": interrupted,
	})
}
