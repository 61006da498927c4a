package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/api/http/middleware"
	"github.com/EternisAI/silo-dispatch/internal/dispatch"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/gin-gonic/gin"
)

// RemotingHandler serves the agent protocol. Every route expects the
// AgentIdentity middleware in front of it.
type RemotingHandler struct {
	service *dispatch.Service
}

func NewRemotingHandler(service *dispatch.Service) *RemotingHandler {
	return &RemotingHandler{service: service}
}

func (h *RemotingHandler) Ping(c *gin.Context) {
	var req protocol.PingRequest
	if !bind(c, &req) {
		return
	}

	instruction, err := h.service.Ping(c.Request.Context(), agentUUID(c), req.RuntimeInfo)
	if err != nil {
		h.fail(c, "ping", err)
		return
	}
	c.JSON(http.StatusOK, instruction)
}

func (h *RemotingHandler) GetCookie(c *gin.Context) {
	var req protocol.GetCookieRequest
	if !bind(c, &req) {
		return
	}

	cookie, err := h.service.GetCookie(c.Request.Context(), agentUUID(c), req.RuntimeInfo)
	if err != nil {
		h.fail(c, "get_cookie", err)
		return
	}
	c.JSON(http.StatusOK, protocol.GetCookieResponse{Cookie: cookie})
}

func (h *RemotingHandler) GetWork(c *gin.Context) {
	var req protocol.GetWorkRequest
	if !bind(c, &req) {
		return
	}

	work, err := h.service.GetWork(c.Request.Context(), agentUUID(c), req.RuntimeInfo)
	if err != nil {
		h.fail(c, "get_work", err)
		return
	}
	c.JSON(http.StatusOK, protocol.EnvelopeWork(work))
}

func (h *RemotingHandler) IsIgnored(c *gin.Context) {
	var req protocol.IsIgnoredRequest
	if !bind(c, &req) {
		return
	}

	ignored, err := h.service.IsIgnored(c.Request.Context(), agentUUID(c), req)
	if err != nil {
		h.fail(c, "is_ignored", err)
		return
	}
	c.JSON(http.StatusOK, protocol.IsIgnoredResponse{Ignored: ignored})
}

func (h *RemotingHandler) ReportCurrentStatus(c *gin.Context) {
	var req protocol.ReportStatusRequest
	if !bind(c, &req) {
		return
	}

	if err := h.service.ReportCurrentStatus(c.Request.Context(), agentUUID(c), req); err != nil {
		h.fail(c, "report_current_status", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RemotingHandler) ReportCompleting(c *gin.Context) {
	var req protocol.ReportResultRequest
	if !bind(c, &req) {
		return
	}

	if err := h.service.ReportCompleting(c.Request.Context(), agentUUID(c), req); err != nil {
		h.fail(c, "report_completing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RemotingHandler) ReportCompleted(c *gin.Context) {
	var req protocol.ReportResultRequest
	if !bind(c, &req) {
		return
	}

	if err := h.service.ReportCompleted(c.Request.Context(), agentUUID(c), req); err != nil {
		h.fail(c, "report_completed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RemotingHandler) fail(c *gin.Context, call string, err error) {
	switch {
	case errors.Is(err, dispatch.ErrIdentityMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrCookieMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, agents.ErrInvalidAgentID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Agent protocol call failed", "call", call, "agent_uuid", agentUUID(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func agentUUID(c *gin.Context) string {
	return c.GetString(middleware.AgentUUIDKey)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
