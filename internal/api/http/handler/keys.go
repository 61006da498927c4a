package handler

import (
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/autoregister"
	"github.com/gin-gonic/gin"
)

type KeysHandler struct {
	keyStore *autoregister.KeyStore
}

func NewKeysHandler(keyStore *autoregister.KeyStore) *KeysHandler {
	return &KeysHandler{keyStore: keyStore}
}

func (h *KeysHandler) CreateKey(ctx *gin.Context) {
	var req dto.CreateAutoRegisterKeyRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	k, err := h.keyStore.Create(req.Description)
	if err != nil {
		slog.Error("Failed to create auto-register key", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create auto-register key"})
		return
	}

	slog.Info("Auto-register key issued", "key_id", k.ID, "by", ctx.GetString("username"))
	ctx.JSON(http.StatusCreated, keyResponse(*k))
}

func (h *KeysHandler) ListKeys(ctx *gin.Context) {
	keys := h.keyStore.List()

	responses := make([]dto.AutoRegisterKeyResponse, len(keys))
	for i, k := range keys {
		responses[i] = keyResponse(k)
	}

	ctx.JSON(http.StatusOK, dto.ListAutoRegisterKeysResponse{
		Keys:  responses,
		Count: len(responses),
	})
}

func (h *KeysHandler) RevokeKey(ctx *gin.Context) {
	keyID := ctx.Param("key_id")

	if removed := h.keyStore.Revoke(keyID); !removed {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "auto-register key not found"})
		return
	}

	ctx.Status(http.StatusNoContent)
}

func keyResponse(k autoregister.Key) dto.AutoRegisterKeyResponse {
	resp := dto.AutoRegisterKeyResponse{
		ID:            k.ID,
		Key:           k.Key,
		Description:   k.Description,
		Static:        k.Static,
		CreatedAt:     k.CreatedAt,
		Registrations: k.Registrations,
	}
	if !k.ExpiresAt.IsZero() {
		expires := k.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}
