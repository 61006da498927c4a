package handler

import (
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/material"
	"github.com/gin-gonic/gin"
)

type MaterialsHandler struct {
	poller *material.Poller
}

func NewMaterialsHandler(poller *material.Poller) *MaterialsHandler {
	return &MaterialsHandler{poller: poller}
}

func (h *MaterialsHandler) ListMaterials(c *gin.Context) {
	latest := h.poller.Latest()
	resp := dto.MaterialsResponse{Materials: make([]dto.MaterialRevision, len(latest))}
	for i, r := range latest {
		resp.Materials[i] = dto.MaterialRevision{
			Material:  r.Material,
			Revision:  r.Revision,
			CheckedAt: r.CheckedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}
