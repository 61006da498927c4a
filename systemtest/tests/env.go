// Package tests holds end-to-end scenarios that drive a real dispatch
// server with real agent runners.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	internalhttp "github.com/EternisAI/silo-dispatch/internal/api/http"
	"github.com/EternisAI/silo-dispatch/internal/agent"
	"github.com/EternisAI/silo-dispatch/internal/agents"
	"github.com/EternisAI/silo-dispatch/internal/api/http/dto"
	"github.com/EternisAI/silo-dispatch/internal/autoregister"
	"github.com/EternisAI/silo-dispatch/internal/console"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/dispatch"
	"github.com/EternisAI/silo-dispatch/internal/drain"
	grpcclient "github.com/EternisAI/silo-dispatch/internal/grpc/client"
	grpcserver "github.com/EternisAI/silo-dispatch/internal/grpc/server"
	"github.com/EternisAI/silo-dispatch/internal/jobs"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	AdminAPIKey = "systemtest-admin-key"
	FleetKey    = "systemtest-fleet-key"
)

// Env is a running server: HTTP on an httptest listener and the console
// gRPC service on a loopback port.
type Env struct {
	HTTP      *httptest.Server
	GrpcAddr  string
	Scheduler *jobs.Scheduler
	Registry  *agents.Registry
}

func NewEnv(t *testing.T, store db.Store) *Env {
	t.Helper()
	ctx := context.Background()

	m := metrics.NewMetrics()
	consoleStore := console.NewStore()
	scheduler := jobs.NewScheduler(store, m, 0)
	scheduler.OnPrune(consoleStore.Delete)
	require.NoError(t, scheduler.Load(ctx))

	coordinator := drain.NewCoordinator(store, scheduler)
	require.NoError(t, coordinator.Load(ctx))

	keys := autoregister.NewKeyStore(time.Hour, []string{FleetKey})
	agentService := agents.NewService(store, keys)
	registry := agents.NewRegistry(time.Minute)

	services := &internalhttp.Services{
		Dispatch:     dispatch.NewService(agentService, registry, scheduler, coordinator, m, dispatch.Config{KillGrace: 200 * time.Millisecond}),
		AgentService: agentService,
		Registry:     registry,
		Scheduler:    scheduler,
		Drain:        coordinator,
		Keys:         keys,
		Console:      consoleStore,
		Metrics:      m,
		AdminAPIKey:  AdminAPIKey,
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)
	httpServer := httptest.NewServer(engine)
	t.Cleanup(httpServer.Close)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcSrv := grpcserver.NewServer(0, console.NewReceiver(consoleStore, scheduler, m), nil)
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(func() { _ = grpcSrv.StopWithTimeout(time.Second) })

	return &Env{
		HTTP:      httpServer,
		GrpcAddr:  lis.Addr().String(),
		Scheduler: scheduler,
		Registry:  registry,
	}
}

// NewAgent builds a runner for a fresh agent. key may be empty to register
// the agent as Pending.
func (e *Env) NewAgent(t *testing.T, key string, resources ...string) *agent.Runner {
	t.Helper()
	agentUUID := uuid.NewString()

	consoleClient := grpcclient.NewClient(e.GrpcAddr, agentUUID, nil)
	t.Cleanup(func() { _ = consoleClient.Close() })

	var autoRegister *protocol.AutoRegistration
	if key != "" {
		autoRegister = &protocol.AutoRegistration{Key: key, Resources: resources}
	}

	identity := agent.ResolveIdentity(agentUUID, "systemtest", "127.0.0.1")
	return agent.NewRunner(
		agent.NewClient(e.HTTP.URL, agentUUID, e.HTTP.Client()),
		consoleClient,
		&agent.ShellExecutor{TermGrace: time.Second},
		identity,
		agent.Config{
			WorkDir:      t.TempDir(),
			PollInterval: 50 * time.Millisecond,
			PingInterval: 50 * time.Millisecond,
			AutoRegister: autoRegister,
			Console:      console.TransmitterConfig{FlushInterval: 20 * time.Millisecond},
		},
	)
}

// Admin calls the admin API with the API key and decodes the response into
// out when it is non-nil.
func (e *Env) Admin(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.HTTP.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", AdminAPIKey)

	resp, err := e.HTTP.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *Env) Schedule(t *testing.T, job string, commands ...string) dto.JobResponse {
	t.Helper()
	var resp dto.JobResponse
	status := e.Admin(t, http.MethodPost, "/api/admin/jobs", dto.ScheduleJobRequest{
		PipelineName:    "systemtest",
		PipelineCounter: 1,
		StageName:       "build",
		StageCounter:    1,
		JobName:         job,
		Commands:        commands,
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	return resp
}

// Job looks a job up by build id among all jobs, finished ones included.
func (e *Env) Job(t *testing.T, buildID int64) dto.JobResponse {
	t.Helper()
	var resp dto.JobsResponse
	require.Equal(t, http.StatusOK, e.Admin(t, http.MethodGet, "/api/admin/jobs?all=true", nil, &resp))
	for _, j := range resp.Jobs {
		if j.BuildID == buildID {
			return j
		}
	}
	t.Fatalf("job %d not found", buildID)
	return dto.JobResponse{}
}

func (e *Env) Console(t *testing.T, buildID int64) []string {
	t.Helper()
	var resp dto.ConsoleResponse
	require.Equal(t, http.StatusOK, e.Admin(t, http.MethodGet, "/api/admin/jobs/"+itoa(buildID)+"/console", nil, &resp))
	return resp.Lines
}
