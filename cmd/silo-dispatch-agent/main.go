package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/agent"
	"github.com/EternisAI/silo-dispatch/internal/console"
	grpcclient "github.com/EternisAI/silo-dispatch/internal/grpc/client"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/spf13/viper"
)

var AppVersion string

const defaultServerTimeout = 30 * time.Second

func main() {
	InitConfig()

	slog.Info("Silo Dispatch Agent", "version", AppVersion)

	agentUUID, err := agent.EnsureUUID(viper.ConfigFileUsed(), config.Agent.UUID)
	if err != nil {
		slog.Error("Failed to resolve agent identity", "error", err)
		os.Exit(1)
	}

	serverURL, err := url.Parse(config.Server.URL)
	if err != nil || serverURL.Host == "" {
		slog.Error("Invalid server url", "url", config.Server.URL, "error", err)
		os.Exit(1)
	}
	identity := agent.ResolveIdentity(agentUUID, config.Agent.Location, serverURL.Hostname())

	timeout := config.Server.Timeout
	if timeout <= 0 {
		timeout = defaultServerTimeout
	}
	server := agent.NewClient(config.Server.URL, agentUUID, &http.Client{Timeout: timeout})

	consoleClient := grpcclient.NewClient(config.Grpc.ServerAddress, agentUUID, &grpcclient.TLSConfig{
		Enabled:            config.Grpc.TLS.Enabled,
		CertFile:           config.Grpc.TLS.CertFile,
		KeyFile:            config.Grpc.TLS.KeyFile,
		CAFile:             config.Grpc.TLS.CAFile,
		ServerNameOverride: config.Grpc.TLS.ServerNameOverride,
	})
	defer func() {
		if err := consoleClient.Close(); err != nil {
			slog.Error("Console client close error", "error", err)
		}
	}()

	var autoRegister *protocol.AutoRegistration
	if config.Agent.AutoRegisterKey != "" {
		autoRegister = &protocol.AutoRegistration{
			Key:              config.Agent.AutoRegisterKey,
			Resources:        ParseCommaSeparated(config.Agent.Resources),
			Environments:     ParseCommaSeparated(config.Agent.Environments),
			ElasticProfileID: config.Agent.ElasticProfileID,
		}
	}

	runner := agent.NewRunner(server, consoleClient, &agent.ShellExecutor{TermGrace: config.Agent.TermGrace}, identity, agent.Config{
		WorkDir:      config.Agent.WorkDir,
		PollInterval: config.Agent.PollInterval,
		PingInterval: config.Agent.PingInterval,
		AutoRegister: autoRegister,
		Console: console.TransmitterConfig{
			FlushInterval:    config.Console.FlushInterval,
			MaxBatchLines:    config.Console.MaxBatchLines,
			MaxBufferedLines: config.Console.MaxBufferedLines,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Agent starting",
		"agent_uuid", identity.UUID,
		"hostname", identity.Hostname,
		"ip_address", identity.IPAddress,
		"server", config.Server.URL)

	if err := runner.Run(ctx); err != nil {
		slog.Error("Agent runner error", "error", err)
	}
	slog.Info("Shutdown complete")
}
