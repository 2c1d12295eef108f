package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sitecreator/internal/service"
)

// CleanupHandler exposes bulk deletion of remote courses.
type CleanupHandler struct {
	cleanup *service.CleanupService
}

func NewCleanupHandler(cleanup *service.CleanupService) *CleanupHandler {
	return &CleanupHandler{cleanup: cleanup}
}

// Run handles POST /api/v1/cleanup. The run is synchronous; per-course failures are
// listed in the report rather than failing the request.
func (h *CleanupHandler) Run(c *gin.Context) {
	var req service.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	report, err := h.cleanup.Run(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
