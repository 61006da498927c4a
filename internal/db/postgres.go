package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func InitDB(ctx context.Context, url string, schema string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	if schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
		slog.Info("Setting search_path for connection pool", "schema", schema)

		// Poolers such as PgBouncer may reset session settings between
		// transactions, so set it again on every new connection.
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			if err != nil {
				slog.Warn("Failed to set search_path in AfterConnect", "error", err)
				return err
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL")

	return pool, nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgAgentColumns = `uuid, hostname, ip_address, location, config_status, resources, environments,
	elastic_profile_id, registered_at, updated_at`

func (s *PostgresStore) GetAgent(ctx context.Context, uuid string) (AgentRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE uuid = $1`, uuid)
	agent, err := scanPgAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentRecord{}, ErrNotFound
		}
		return AgentRecord{}, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgAgentColumns+` FROM agents ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []AgentRecord
	for rows.Next() {
		agent, err := scanPgAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveAgent(ctx context.Context, agent AgentRecord) error {
	resources, err := marshalList(agent.Resources)
	if err != nil {
		return err
	}
	environments, err := marshalList(agent.Environments)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (`+pgAgentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uuid) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			location = excluded.location,
			config_status = excluded.config_status,
			resources = excluded.resources,
			environments = excluded.environments,
			elastic_profile_id = excluded.elastic_profile_id,
			updated_at = excluded.updated_at`,
		agent.UUID, agent.Hostname, agent.IPAddress, agent.Location, agent.ConfigStatus,
		resources, environments, agent.ElasticProfileID, agent.RegisteredAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

const pgJobColumns = `build_id, pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
	state, result, agent_uuid, resources, environment, elastic_profile_id, commands,
	environment_variables, scheduled_at, assigned_at, updated_at`

func (s *PostgresStore) SaveJob(ctx context.Context, job JobRecord) error {
	resources, err := marshalList(job.Resources)
	if err != nil {
		return err
	}
	commands, err := marshalList(job.Commands)
	if err != nil {
		return err
	}
	envVars, err := marshalMap(job.EnvironmentVariables)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+pgJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (build_id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			agent_uuid = excluded.agent_uuid,
			assigned_at = excluded.assigned_at,
			updated_at = excluded.updated_at`,
		job.BuildID, job.PipelineName, job.PipelineCounter, job.StageName, job.StageCounter, job.JobName,
		job.State, job.Result, job.AgentUUID, resources, job.Environment, job.ElasticProfileID, commands,
		envVars, job.ScheduledAt, nullableTime(job.AssignedAt), job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, includeTerminal bool) ([]JobRecord, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs`
	if !includeTerminal {
		query += ` WHERE state NOT IN ('Completed', 'Rescheduled')`
	}
	query += ` ORDER BY build_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []JobRecord
	for rows.Next() {
		var (
			job                          JobRecord
			resources, commands, envVars []byte
			assignedAt                   *time.Time
		)
		if err := rows.Scan(&job.BuildID, &job.PipelineName, &job.PipelineCounter, &job.StageName,
			&job.StageCounter, &job.JobName, &job.State, &job.Result, &job.AgentUUID, &resources,
			&job.Environment, &job.ElasticProfileID, &commands, &envVars, &job.ScheduledAt,
			&assignedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := unmarshalJobColumns(&job, resources, commands, envVars); err != nil {
			return nil, err
		}
		if assignedAt != nil {
			job.AssignedAt = *assignedAt
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MaxBuildID(ctx context.Context) (int64, error) {
	var maxID int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(build_id), 0) FROM jobs`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max build id: %w", err)
	}
	return maxID, nil
}

func (s *PostgresStore) LoadDrainMode(ctx context.Context) (DrainModeRecord, error) {
	var (
		record    DrainModeRecord
		updatedOn *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT is_drain_mode, updated_by, updated_on FROM drain_mode WHERE id = 1`).
		Scan(&record.IsDrainMode, &record.UpdatedBy, &updatedOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DrainModeRecord{}, nil
		}
		return DrainModeRecord{}, fmt.Errorf("failed to load drain mode: %w", err)
	}
	if updatedOn != nil {
		record.UpdatedOn = *updatedOn
	}
	return record, nil
}

func (s *PostgresStore) SaveDrainMode(ctx context.Context, record DrainModeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drain_mode (id, is_drain_mode, updated_by, updated_on)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			is_drain_mode = excluded.is_drain_mode,
			updated_by = excluded.updated_by,
			updated_on = excluded.updated_on`,
		record.IsDrainMode, record.UpdatedBy, nullableTime(record.UpdatedOn))
	if err != nil {
		return fmt.Errorf("failed to save drain mode: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgAgent(row pgx.Row) (AgentRecord, error) {
	var (
		agent                   AgentRecord
		resources, environments []byte
	)
	if err := row.Scan(&agent.UUID, &agent.Hostname, &agent.IPAddress, &agent.Location,
		&agent.ConfigStatus, &resources, &environments, &agent.ElasticProfileID,
		&agent.RegisteredAt, &agent.UpdatedAt); err != nil {
		return AgentRecord{}, err
	}
	if err := json.Unmarshal(resources, &agent.Resources); err != nil {
		return AgentRecord{}, fmt.Errorf("failed to decode resources: %w", err)
	}
	if err := json.Unmarshal(environments, &agent.Environments); err != nil {
		return AgentRecord{}, fmt.Errorf("failed to decode environments: %w", err)
	}
	return agent, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
