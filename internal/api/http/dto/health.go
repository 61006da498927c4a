package dto

import "time"

type HealthResponse struct {
	Status    string `json:"status"`
	DrainMode bool   `json:"drain_mode"`
}

type MaterialRevision struct {
	Material  string    `json:"material"`
	Revision  string    `json:"revision"`
	CheckedAt time.Time `json:"checked_at"`
}

type MaterialsResponse struct {
	Materials []MaterialRevision `json:"materials"`
}
