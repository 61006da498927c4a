package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService *agents.Service
	registry     *agents.Registry
}

func NewAgentsHandler(agentService *agents.Service, registry *agents.Registry) *AgentsHandler {
	return &AgentsHandler{
		agentService: agentService,
		registry:     registry,
	}
}

// ListAgents returns every registered agent with its live runtime snapshot.
// GET /api/admin/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agentList, err := h.agentService.ListAgents(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i := range agentList {
		responses[i] = h.agentResponse(&agentList[i])
	}

	c.JSON(http.StatusOK, dto.AgentsResponse{
		Agents: responses,
		Count:  len(responses),
	})
}

// GetAgent
// GET /api/admin/agents/:uuid
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agent, err := h.agentService.GetAgentByID(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.agentResponse(agent))
}

// UpdateAgent enables, disables or relabels an agent.
// PATCH /api/admin/agents/:uuid
func (h *AgentsHandler) UpdateAgent(c *gin.Context) {
	var req dto.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := agents.UpdateAgentParams{
		Resources:        req.Resources,
		Environments:     req.Environments,
		ElasticProfileID: req.ElasticProfileID,
	}
	if req.ConfigStatus != nil {
		status, err := protocol.ParseAgentConfigStatus(*req.ConfigStatus)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params.ConfigStatus = &status
	}

	agent, err := h.agentService.UpdateAgent(c.Request.Context(), c.Param("uuid"), params)
	if err != nil {
		h.fail(c, err)
		return
	}

	slog.Info("Agent updated by admin", "agent_uuid", agent.UUID, "by", c.GetString("username"))
	c.JSON(http.StatusOK, h.agentResponse(agent))
}

func (h *AgentsHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agents.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
	case errors.Is(err, agents.ErrInvalidAgentID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Agent admin request failed", "agent_uuid", c.Param("uuid"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *AgentsHandler) agentResponse(a *agents.Agent) dto.AgentResponse {
	resp := dto.AgentResponse{
		UUID:             a.UUID,
		Hostname:         a.Hostname,
		IPAddress:        a.IPAddress,
		Location:         a.Location,
		ConfigStatus:     string(a.ConfigStatus),
		RuntimeStatus:    string(h.registry.RuntimeStatus(a.UUID)),
		Resources:        a.Resources,
		Environments:     a.Environments,
		ElasticProfileID: a.ElasticProfileID,
		RegisteredAt:     a.RegisteredAt,
		UpdatedAt:        a.UpdatedAt,
	}
	if resp.Resources == nil {
		resp.Resources = []string{}
	}
	if resp.Environments == nil {
		resp.Environments = []string{}
	}

	if entry, ok := h.registry.Get(a.UUID); ok {
		resp.BuildLocator = entry.Info.BuildLocator
		resp.UsableSpace = entry.Info.UsableSpace
		if !entry.LastSeen.IsZero() {
			lastSeen := entry.LastSeen
			resp.LastSeen = &lastSeen
		}
	}
	return resp
}
