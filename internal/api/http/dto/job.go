package dto

import "time"

type JobResponse struct {
	BuildID          int64      `json:"build_id"`
	BuildLocator     string     `json:"build_locator"`
	PipelineName     string     `json:"pipeline_name"`
	PipelineCounter  int        `json:"pipeline_counter"`
	StageName        string     `json:"stage_name"`
	StageCounter     int        `json:"stage_counter"`
	JobName          string     `json:"job_name"`
	State            string     `json:"state"`
	Result           string     `json:"result"`
	AgentUUID        string     `json:"agent_uuid,omitempty"`
	Resources        []string   `json:"resources,omitempty"`
	Environment      string     `json:"environment,omitempty"`
	ElasticProfileID string     `json:"elastic_profile_id,omitempty"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type JobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

type ScheduleJobRequest struct {
	PipelineName         string            `json:"pipeline_name" binding:"required"`
	PipelineCounter      int               `json:"pipeline_counter" binding:"required,min=1"`
	StageName            string            `json:"stage_name" binding:"required"`
	StageCounter         int               `json:"stage_counter" binding:"required,min=1"`
	JobName              string            `json:"job_name" binding:"required"`
	Resources            []string          `json:"resources"`
	Environment          string            `json:"environment"`
	ElasticProfileID     string            `json:"elastic_profile_id"`
	Commands             []string          `json:"commands" binding:"required,min=1"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
}

type ConsoleResponse struct {
	BuildID int64    `json:"build_id"`
	From    int64    `json:"from"`
	NextSeq int64    `json:"next_seq"`
	Lines   []string `json:"lines"`
}
