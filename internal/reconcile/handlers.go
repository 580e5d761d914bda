package reconcile

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-fix/pkg/response"
	"github.com/rs/zerolog/log"
)

// GinHandlers exposes the reconciliation review queue to operators
type GinHandlers struct {
	coordinator *Coordinator
}

func NewGinHandlers(coordinator *Coordinator) *GinHandlers {
	return &GinHandlers{
		coordinator: coordinator,
	}
}

// RejectedHandler lists executions that failed reconciliation and were not
// replayed yet
func (h *GinHandlers) RejectedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.coordinator.Rejected())
	}
}

// ReplayHandler handles POST requests to reconcile a rejected execution again
// URL parameter: execution_id
func (h *GinHandlers) ReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		executionID := c.Param("execution_id")
		if executionID == "" {
			response.BadRequest(c, "Execution ID is required")
			return
		}

		result, err := h.coordinator.Replay(c.Request.Context(), executionID)
		if err == nil {
			log.Info().
				Str("execution_id", executionID).
				Str("client_id", c.GetString("clientID")).
				Msg("rejected execution replayed")
		}
		response.Handle(c, result, err)
	}
}
