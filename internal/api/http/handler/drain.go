package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/drain"
	"github.com/gin-gonic/gin"
)

type DrainHandler struct {
	coordinator *drain.Coordinator
}

func NewDrainHandler(coordinator *drain.Coordinator) *DrainHandler {
	return &DrainHandler{coordinator: coordinator}
}

func (h *DrainHandler) Info(c *gin.Context) {
	info := h.coordinator.Info()

	mdus := make([]dto.MDUResponse, len(info.RunningMDUs))
	for i, m := range info.RunningMDUs {
		mdus[i] = dto.MDUResponse{Material: m.Material, StartedAt: m.StartedAt}
	}

	c.JSON(http.StatusOK, dto.DrainModeInfoResponse{
		DrainModeResponse:   drainResponse(info.State),
		IsCompletelyDrained: info.IsCompletelyDrained,
		RunningSystems: dto.RunningSystems{
			MDU:           mdus,
			Jobs:          jobResponses(info.RunningJobs),
			ScheduledJobs: jobResponses(info.ScheduledJobs),
		},
	})
}

func (h *DrainHandler) Enable(c *gin.Context) {
	state, err := h.coordinator.Enable(c.Request.Context(), c.GetString("username"))
	h.respond(c, state, err)
}

func (h *DrainHandler) Disable(c *gin.Context) {
	state, err := h.coordinator.Disable(c.Request.Context(), c.GetString("username"))
	h.respond(c, state, err)
}

func (h *DrainHandler) respond(c *gin.Context, state drain.State, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, drainResponse(state))
	case errors.Is(err, drain.ErrAlreadyDraining), errors.Is(err, drain.ErrNotDraining):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Failed to change drain mode", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to change drain mode"})
	}
}

func drainResponse(s drain.State) dto.DrainModeResponse {
	return dto.DrainModeResponse{
		IsDrainMode: s.IsDrainMode,
		UpdatedBy:   s.UpdatedBy,
		UpdatedOn:   s.UpdatedOn,
	}
}
