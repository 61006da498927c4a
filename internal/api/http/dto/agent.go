package dto

import "time"

type AgentResponse struct {
	UUID             string     `json:"uuid"`
	Hostname         string     `json:"hostname"`
	IPAddress        string     `json:"ip_address"`
	Location         string     `json:"location,omitempty"`
	ConfigStatus     string     `json:"config_status"`
	RuntimeStatus    string     `json:"runtime_status"`
	BuildLocator     string     `json:"build_locator,omitempty"`
	UsableSpace      int64      `json:"usable_space"`
	Resources        []string   `json:"resources"`
	Environments     []string   `json:"environments"`
	ElasticProfileID string     `json:"elastic_profile_id,omitempty"`
	RegisteredAt     time.Time  `json:"registered_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
}

type AgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

// UpdateAgentRequest is a partial update; absent fields are left alone.
type UpdateAgentRequest struct {
	ConfigStatus     *string   `json:"config_status"`
	Resources        *[]string `json:"resources"`
	Environments     *[]string `json:"environments"`
	ElasticProfileID *string   `json:"elastic_profile_id"`
}
