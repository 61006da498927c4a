package handler

import (
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	isDraining func() bool
}

func NewHealthHandler(isDraining func() bool) *HealthHandler {
	if isDraining == nil {
		isDraining = func() bool { return false }
	}
	return &HealthHandler{isDraining: isDraining}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", DrainMode: h.isDraining()})
}
