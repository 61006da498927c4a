package agents

import (
	"slices"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

// Agent is the durable config record of an agent. The runtime side lives in
// the Registry.
type Agent struct {
	UUID             string
	Hostname         string
	IPAddress        string
	Location         string
	ConfigStatus     protocol.AgentConfigStatus
	Resources        []string
	Environments     []string
	ElasticProfileID string
	RegisteredAt     time.Time
	UpdatedAt        time.Time
}

// UpdateAgentParams carries an admin edit. Nil fields are left unchanged.
type UpdateAgentParams struct {
	ConfigStatus     *protocol.AgentConfigStatus
	Resources        *[]string
	Environments     *[]string
	ElasticProfileID *string
}

func fromRecord(r db.AgentRecord) *Agent {
	return &Agent{
		UUID:             r.UUID,
		Hostname:         r.Hostname,
		IPAddress:        r.IPAddress,
		Location:         r.Location,
		ConfigStatus:     protocol.AgentConfigStatus(r.ConfigStatus),
		Resources:        slices.Clone(r.Resources),
		Environments:     slices.Clone(r.Environments),
		ElasticProfileID: r.ElasticProfileID,
		RegisteredAt:     r.RegisteredAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (a *Agent) toRecord() db.AgentRecord {
	return db.AgentRecord{
		UUID:             a.UUID,
		Hostname:         a.Hostname,
		IPAddress:        a.IPAddress,
		Location:         a.Location,
		ConfigStatus:     string(a.ConfigStatus),
		Resources:        slices.Clone(a.Resources),
		Environments:     slices.Clone(a.Environments),
		ElasticProfileID: a.ElasticProfileID,
		RegisteredAt:     a.RegisteredAt,
		UpdatedAt:        a.UpdatedAt,
	}
}
