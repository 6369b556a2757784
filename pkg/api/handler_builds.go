package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getBuild(c *gin.Context) {
	build, err := s.builds.GetBuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

// latestBuild returns the newest build of a chat, whatever its status.
func (s *Server) latestBuild(c *gin.Context) {
	build, err := s.builds.LatestBuildForChat(c.Request.Context(), c.Param("chatId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}
