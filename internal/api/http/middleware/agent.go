package middleware

import (
	"net/http"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/gin-gonic/gin"
)

const AgentUUIDKey = "agent_uuid"

// AgentIdentity stores the X-Agent-GUID header in the context. Requests
// without it are refused before reaching a protocol handler.
func AgentIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentUUID := strings.TrimSpace(c.GetHeader(protocol.AgentGUIDHeader))
		if agentUUID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing agent identity header"})
			return
		}
		c.Set(AgentUUIDKey, agentUUID)
		c.Next()
	}
}
