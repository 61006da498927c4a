// Package db persists the dispatch server's durable state: agent config
// records, job instances and the drain mode flag. Runtime snapshots and
// cookies live in memory only.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

type Config struct {
	Driver string `mapstructure:"driver"`
	Url    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
	Path   string `mapstructure:"path"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type AgentRecord struct {
	UUID             string
	Hostname         string
	IPAddress        string
	Location         string
	ConfigStatus     string
	Resources        []string
	Environments     []string
	ElasticProfileID string
	RegisteredAt     time.Time
	UpdatedAt        time.Time
}

type JobRecord struct {
	BuildID              int64
	PipelineName         string
	PipelineCounter      int
	StageName            string
	StageCounter         int
	JobName              string
	State                string
	Result               string
	AgentUUID            string
	Resources            []string
	Environment          string
	ElasticProfileID     string
	Commands             []string
	EnvironmentVariables map[string]string
	ScheduledAt          time.Time
	AssignedAt           time.Time
	UpdatedAt            time.Time
}

type DrainModeRecord struct {
	IsDrainMode bool
	UpdatedBy   string
	UpdatedOn   time.Time
}

// Store is implemented by every backend. Save* operations are upserts.
type Store interface {
	GetAgent(ctx context.Context, uuid string) (AgentRecord, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)
	SaveAgent(ctx context.Context, agent AgentRecord) error

	SaveJob(ctx context.Context, job JobRecord) error
	ListJobs(ctx context.Context, includeTerminal bool) ([]JobRecord, error)
	MaxBuildID(ctx context.Context) (int64, error)

	LoadDrainMode(ctx context.Context) (DrainModeRecord, error)
	SaveDrainMode(ctx context.Context, record DrainModeRecord) error

	Close() error
}

// Open selects a backend by driver name and runs its migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		if err := RunMigrations(cfg.Url, cfg.Schema); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := InitDB(ctx, cfg.Url, cfg.Schema)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func isTerminalJobState(state string) bool {
	return state == "Completed" || state == "Rescheduled"
}
