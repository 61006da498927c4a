package dto

import "time"

type DrainModeResponse struct {
	IsDrainMode bool      `json:"is_drain_mode"`
	UpdatedBy   string    `json:"updated_by"`
	UpdatedOn   time.Time `json:"updated_on"`
}

type MDUResponse struct {
	Material  string    `json:"material"`
	StartedAt time.Time `json:"started_at"`
}

type RunningSystems struct {
	MDU           []MDUResponse `json:"mdu"`
	Jobs          []JobResponse `json:"jobs"`
	ScheduledJobs []JobResponse `json:"scheduled_jobs"`
}

type DrainModeInfoResponse struct {
	DrainModeResponse
	IsCompletelyDrained bool           `json:"is_completely_drained"`
	RunningSystems      RunningSystems `json:"running_systems"`
}
