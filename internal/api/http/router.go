package http

import (
	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/api/http/handler"
	"github.com/EternisAI/silo-dispatch/internal/api/http/middleware"
	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/EternisAI/silo-dispatch/internal/autoregister"
	"github.com/EternisAI/silo-dispatch/internal/console"
	"github.com/EternisAI/silo-dispatch/internal/dispatch"
	"github.com/EternisAI/silo-dispatch/internal/drain"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/material"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/users"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Dispatch     *dispatch.Service
	AgentService *agents.Service
	Registry     *agents.Registry
	Scheduler    *jobs.Scheduler
	Drain        *drain.Coordinator
	Keys         *autoregister.KeyStore
	Console      *console.Store
	Auth         *auth.Service
	Materials    *material.Poller
	Metrics      *metrics.Metrics
	AdminAPIKey  string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Drain.IsDraining)
	engine.GET("/health", healthHandler.Check)

	if srvs.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(srvs.Metrics.Handler()))
	}

	remotingHandler := handler.NewRemotingHandler(srvs.Dispatch)
	remoting := engine.Group("/remoting/api/agent", middleware.AgentIdentity())
	{
		remoting.POST("/ping", remotingHandler.Ping)
		remoting.POST("/get_cookie", remotingHandler.GetCookie)
		remoting.POST("/get_work", remotingHandler.GetWork)
		remoting.POST("/is_ignored", remotingHandler.IsIgnored)
		remoting.POST("/report_current_status", remotingHandler.ReportCurrentStatus)
		remoting.POST("/report_completing", remotingHandler.ReportCompleting)
		remoting.POST("/report_completed", remotingHandler.ReportCompleted)
	}

	authHandler := handler.NewAuthHandler(srvs.Auth)
	engine.POST("/api/admin/login", authHandler.Login)

	admin := engine.Group("/api/admin",
		middleware.AdminAuth(srvs.AdminAPIKey, srvs.Auth.Secret()),
		middleware.RequireRole(users.RoleAdmin))
	{
		drainHandler := handler.NewDrainHandler(srvs.Drain)
		admin.GET("/drain_mode/info", drainHandler.Info)
		admin.POST("/drain_mode/enable", drainHandler.Enable)
		admin.POST("/drain_mode/disable", drainHandler.Disable)

		agentsHandler := handler.NewAgentsHandler(srvs.AgentService, srvs.Registry)
		admin.GET("/agents", agentsHandler.ListAgents)
		admin.GET("/agents/:uuid", agentsHandler.GetAgent)
		admin.PATCH("/agents/:uuid", agentsHandler.UpdateAgent)

		jobsHandler := handler.NewJobsHandler(srvs.Scheduler, srvs.Console)
		admin.GET("/jobs", jobsHandler.ListJobs)
		admin.POST("/jobs", jobsHandler.ScheduleJob)
		admin.POST("/jobs/:build_id/cancel", jobsHandler.CancelJob)
		admin.GET("/jobs/:build_id/console", jobsHandler.Console)

		keysHandler := handler.NewKeysHandler(srvs.Keys)
		admin.POST("/auto_register_keys", keysHandler.CreateKey)
		admin.GET("/auto_register_keys", keysHandler.ListKeys)
		admin.DELETE("/auto_register_keys/:key_id", keysHandler.RevokeKey)

		if srvs.Materials != nil {
			materialsHandler := handler.NewMaterialsHandler(srvs.Materials)
			admin.GET("/materials", materialsHandler.ListMaterials)
		}
	}
}
