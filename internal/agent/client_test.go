package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newProtocolServer(t *testing.T, routes func(r *gin.Engine)) *Client {
	t.Helper()
	engine := gin.New()
	routes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "A1", srv.Client())
}

func TestClientSendsIdentityAndDecodes(t *testing.T) {
	var header string
	var body protocol.PingRequest
	c := newProtocolServer(t, func(r *gin.Engine) {
		r.POST("/remoting/api/agent/ping", func(ctx *gin.Context) {
			header = ctx.GetHeader(protocol.AgentGUIDHeader)
			_ = ctx.ShouldBindJSON(&body)
			ctx.JSON(http.StatusOK, protocol.AgentInstruction{Action: protocol.ActionCancel, Cookie: "c-1"})
		})
		r.POST("/remoting/api/agent/get_work", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, protocol.EnvelopeWork(protocol.DeniedAgentWork{Reason: "disabled"}))
		})
		r.POST("/remoting/api/agent/report_completed", func(ctx *gin.Context) {
			ctx.Status(http.StatusNoContent)
		})
	})

	info := protocol.AgentRuntimeInfo{Identity: protocol.AgentIdentity{UUID: "A1"}, RuntimeStatus: protocol.RuntimeIdle}
	instruction, err := c.Ping(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, "A1", header)
	assert.Equal(t, "A1", body.RuntimeInfo.UUID())
	assert.Equal(t, protocol.ActionCancel, instruction.Action)
	assert.Equal(t, "c-1", instruction.Cookie)

	work, err := c.GetWork(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, protocol.DeniedAgentWork{Reason: "disabled"}, work)

	assert.NoError(t, c.ReportCompleted(context.Background(), info, protocol.JobIdentifier{}, protocol.ResultPassed))
}

func TestClientMapsErrors(t *testing.T) {
	c := newProtocolServer(t, func(r *gin.Engine) {
		r.POST("/remoting/api/agent/get_work", func(ctx *gin.Context) {
			ctx.JSON(http.StatusConflict, gin.H{"error": "agent cookie is not the one last issued"})
		})
		r.POST("/remoting/api/agent/ping", func(ctx *gin.Context) {
			ctx.JSON(http.StatusForbidden, gin.H{"error": "mismatch"})
		})
		r.POST("/remoting/api/agent/is_ignored", func(ctx *gin.Context) {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		})
	})
	info := protocol.AgentRuntimeInfo{Identity: protocol.AgentIdentity{UUID: "A1"}}

	_, err := c.GetWork(context.Background(), info)
	assert.ErrorIs(t, err, ErrCookieMismatch)

	_, err = c.Ping(context.Background(), info)
	assert.ErrorIs(t, err, ErrIdentityRejected)

	_, err = c.IsIgnored(context.Background(), info, protocol.JobIdentifier{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "internal error", statusErr.Message)
}
