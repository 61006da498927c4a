package jobs

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

// Job is one scheduled job instance.
type Job struct {
	ID                   protocol.JobIdentifier
	State                protocol.JobState
	Result               protocol.JobResult
	AgentUUID            string
	Resources            []string
	Environment          string
	ElasticProfileID     string
	Commands             []string
	EnvironmentVariables map[string]string
	ScheduledAt          time.Time
	AssignedAt           time.Time
	UpdatedAt            time.Time

	// LastHeartbeat is the last time the holding agent was heard from.
	// Not persisted.
	LastHeartbeat time.Time
}

func (j Job) clone() Job {
	j.Resources = slices.Clone(j.Resources)
	j.Commands = slices.Clone(j.Commands)
	j.EnvironmentVariables = maps.Clone(j.EnvironmentVariables)
	return j
}

// Assignment is the BuildWork payload for this job.
func (j Job) Assignment() protocol.BuildAssignment {
	return protocol.BuildAssignment{
		Job:                  j.ID,
		Commands:             slices.Clone(j.Commands),
		EnvironmentVariables: maps.Clone(j.EnvironmentVariables),
	}
}

type ScheduleRequest struct {
	PipelineName         string
	PipelineCounter      int
	StageName            string
	StageCounter         int
	JobName              string
	Resources            []string
	Environment          string
	ElasticProfileID     string
	Commands             []string
	EnvironmentVariables map[string]string
}

// AgentProfile is what the scheduler needs to know about a requesting agent.
type AgentProfile struct {
	UUID             string
	Resources        []string
	Environments     []string
	ElasticProfileID string
}

// Matches reports whether the agent may run the job: every job resource is
// one of the agent's resources, the job's environment is one of the agent's
// environments (or both have none) and the elastic profiles are equal.
func (a AgentProfile) Matches(j *Job) bool {
	if j.ElasticProfileID != a.ElasticProfileID {
		return false
	}

	if j.Environment == "" {
		if len(a.Environments) > 0 {
			return false
		}
	} else if !containsFold(a.Environments, j.Environment) {
		return false
	}

	for _, r := range j.Resources {
		if !containsFold(a.Resources, r) {
			return false
		}
	}
	return true
}

func containsFold(values []string, want string) bool {
	return slices.ContainsFunc(values, func(v string) bool {
		return strings.EqualFold(v, want)
	})
}

func (j Job) toRecord() db.JobRecord {
	return db.JobRecord{
		BuildID:              j.ID.BuildID,
		PipelineName:         j.ID.PipelineName,
		PipelineCounter:      j.ID.PipelineCounter,
		StageName:            j.ID.StageName,
		StageCounter:         j.ID.StageCounter,
		JobName:              j.ID.JobName,
		State:                string(j.State),
		Result:               string(j.Result),
		AgentUUID:            j.AgentUUID,
		Resources:            slices.Clone(j.Resources),
		Environment:          j.Environment,
		ElasticProfileID:     j.ElasticProfileID,
		Commands:             slices.Clone(j.Commands),
		EnvironmentVariables: maps.Clone(j.EnvironmentVariables),
		ScheduledAt:          j.ScheduledAt,
		AssignedAt:           j.AssignedAt,
		UpdatedAt:            j.UpdatedAt,
	}
}

func fromRecord(r db.JobRecord) Job {
	return Job{
		ID: protocol.JobIdentifier{
			PipelineName:    r.PipelineName,
			PipelineCounter: r.PipelineCounter,
			StageName:       r.StageName,
			StageCounter:    r.StageCounter,
			JobName:         r.JobName,
			BuildID:         r.BuildID,
		},
		State:                protocol.JobState(r.State),
		Result:               protocol.JobResult(r.Result),
		AgentUUID:            r.AgentUUID,
		Resources:            slices.Clone(r.Resources),
		Environment:          r.Environment,
		ElasticProfileID:     r.ElasticProfileID,
		Commands:             slices.Clone(r.Commands),
		EnvironmentVariables: maps.Clone(r.EnvironmentVariables),
		ScheduledAt:          r.ScheduledAt,
		AssignedAt:           r.AssignedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}
