package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dataDirPerms = 0o750

// SQLiteStore keeps a single connection open. Timestamps are stored as
// RFC3339 text.
type SQLiteStore struct {
	Path string
	db   *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dataDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if err := runSQLiteMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &SQLiteStore{Path: path, db: conn}, nil
}

const sqliteAgentColumns = `uuid, hostname, ip_address, location, config_status, resources, environments,
	elastic_profile_id, registered_at, updated_at`

func (s *SQLiteStore) GetAgent(ctx context.Context, uuid string) (AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents WHERE uuid = ?`, uuid)
	agent, err := scanSQLiteAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentRecord{}, ErrNotFound
		}
		return AgentRecord{}, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []AgentRecord
	for rows.Next() {
		agent, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) SaveAgent(ctx context.Context, agent AgentRecord) error {
	resources, err := marshalList(agent.Resources)
	if err != nil {
		return err
	}
	environments, err := marshalList(agent.Environments)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+sqliteAgentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		string(resources), string(environments), agent.ElasticProfileID,
		formatTime(agent.RegisteredAt), formatTime(agent.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

const sqliteJobColumns = `build_id, pipeline_name, pipeline_counter, stage_name, stage_counter, job_name,
	state, result, agent_uuid, resources, environment, elastic_profile_id, commands,
	environment_variables, scheduled_at, assigned_at, updated_at`

func (s *SQLiteStore) SaveJob(ctx context.Context, job JobRecord) error {
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

	var assignedAt sql.NullString
	if !job.AssignedAt.IsZero() {
		assignedAt = sql.NullString{String: formatTime(job.AssignedAt), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+sqliteJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (build_id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			agent_uuid = excluded.agent_uuid,
			assigned_at = excluded.assigned_at,
			updated_at = excluded.updated_at`,
		job.BuildID, job.PipelineName, job.PipelineCounter, job.StageName, job.StageCounter, job.JobName,
		job.State, job.Result, job.AgentUUID, string(resources), job.Environment, job.ElasticProfileID,
		string(commands), string(envVars), formatTime(job.ScheduledAt), assignedAt, formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, includeTerminal bool) ([]JobRecord, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	if !includeTerminal {
		query += ` WHERE state NOT IN ('Completed', 'Rescheduled')`
	}
	query += ` ORDER BY build_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []JobRecord
	for rows.Next() {
		var (
			job                          JobRecord
			resources, commands, envVars string
			scheduledAt, updatedAt       string
			assignedAt                   sql.NullString
		)
		if err := rows.Scan(&job.BuildID, &job.PipelineName, &job.PipelineCounter, &job.StageName,
			&job.StageCounter, &job.JobName, &job.State, &job.Result, &job.AgentUUID, &resources,
			&job.Environment, &job.ElasticProfileID, &commands, &envVars, &scheduledAt,
			&assignedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := unmarshalJobColumns(&job, []byte(resources), []byte(commands), []byte(envVars)); err != nil {
			return nil, err
		}
		if job.ScheduledAt, err = parseTime(scheduledAt); err != nil {
			return nil, err
		}
		if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if assignedAt.Valid {
			if job.AssignedAt, err = parseTime(assignedAt.String); err != nil {
				return nil, err
			}
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) MaxBuildID(ctx context.Context) (int64, error) {
	var maxID int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(build_id), 0) FROM jobs`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max build id: %w", err)
	}
	return maxID, nil
}

func (s *SQLiteStore) LoadDrainMode(ctx context.Context) (DrainModeRecord, error) {
	var (
		record    DrainModeRecord
		updatedOn sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT is_drain_mode, updated_by, updated_on FROM drain_mode WHERE id = 1`).
		Scan(&record.IsDrainMode, &record.UpdatedBy, &updatedOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DrainModeRecord{}, nil
		}
		return DrainModeRecord{}, fmt.Errorf("failed to load drain mode: %w", err)
	}
	if updatedOn.Valid {
		if record.UpdatedOn, err = parseTime(updatedOn.String); err != nil {
			return DrainModeRecord{}, err
		}
	}
	return record, nil
}

func (s *SQLiteStore) SaveDrainMode(ctx context.Context, record DrainModeRecord) error {
	var updatedOn sql.NullString
	if !record.UpdatedOn.IsZero() {
		updatedOn = sql.NullString{String: formatTime(record.UpdatedOn), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drain_mode (id, is_drain_mode, updated_by, updated_on)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_drain_mode = excluded.is_drain_mode,
			updated_by = excluded.updated_by,
			updated_on = excluded.updated_on`,
		record.IsDrainMode, record.UpdatedBy, updatedOn)
	if err != nil {
		return fmt.Errorf("failed to save drain mode: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteAgent(row interface{ Scan(...any) error }) (AgentRecord, error) {
	var (
		agent                   AgentRecord
		resources, environments string
		registeredAt, updatedAt string
	)
	if err := row.Scan(&agent.UUID, &agent.Hostname, &agent.IPAddress, &agent.Location,
		&agent.ConfigStatus, &resources, &environments, &agent.ElasticProfileID,
		&registeredAt, &updatedAt); err != nil {
		return AgentRecord{}, err
	}
	if err := json.Unmarshal([]byte(resources), &agent.Resources); err != nil {
		return AgentRecord{}, fmt.Errorf("failed to decode resources: %w", err)
	}
	if err := json.Unmarshal([]byte(environments), &agent.Environments); err != nil {
		return AgentRecord{}, fmt.Errorf("failed to decode environments: %w", err)
	}
	var err error
	if agent.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return AgentRecord{}, err
	}
	if agent.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return AgentRecord{}, err
	}
	return agent, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func marshalList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode list: %w", err)
	}
	return data, nil
}

func marshalMap(values map[string]string) ([]byte, error) {
	if values == nil {
		values = map[string]string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode map: %w", err)
	}
	return data, nil
}

func unmarshalJobColumns(job *JobRecord, resources, commands, envVars []byte) error {
	if err := json.Unmarshal(resources, &job.Resources); err != nil {
		return fmt.Errorf("failed to decode job resources: %w", err)
	}
	if err := json.Unmarshal(commands, &job.Commands); err != nil {
		return fmt.Errorf("failed to decode job commands: %w", err)
	}
	if err := json.Unmarshal(envVars, &job.EnvironmentVariables); err != nil {
		return fmt.Errorf("failed to decode job environment variables: %w", err)
	}
	return nil
}
