package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/autoregister"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidAgentID = errors.New("invalid agent ID")
)

// Service owns agent config records. Writes are serialised so concurrent
// registrations and admin edits of one agent cannot interleave.
type Service struct {
	store db.Store
	keys  *autoregister.KeyStore
	mu    sync.Mutex
}

func NewService(store db.Store, keys *autoregister.KeyStore) *Service {
	return &Service{
		store: store,
		keys:  keys,
	}
}

// GetAgentByID retrieves an agent by UUID
func (s *Service) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, ErrInvalidAgentID
	}

	record, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return fromRecord(record), nil
}

func (s *Service) ListAgents(ctx context.Context) ([]Agent, error) {
	records, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	result := make([]Agent, len(records))
	for i, r := range records {
		result[i] = *fromRecord(r)
	}
	return result, nil
}

// EnsureRegistered returns the config record for identity, creating it on
// first contact. New agents start Pending unless the proposal carries a valid
// auto-register key, in which case they are Enabled with the proposed
// resources, environments and elastic profile.
func (s *Service) EnsureRegistered(ctx context.Context, identity protocol.AgentIdentity, proposal *protocol.AutoRegistration) (*Agent, error) {
	if strings.TrimSpace(identity.UUID) == "" {
		return nil, ErrInvalidAgentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetAgentByID(ctx, identity.UUID)
	if err == nil {
		if existing.Hostname == identity.Hostname && existing.IPAddress == identity.IPAddress &&
			existing.Location == identity.Location {
			return existing, nil
		}
		existing.Hostname = identity.Hostname
		existing.IPAddress = identity.IPAddress
		existing.Location = identity.Location
		existing.UpdatedAt = time.Now()
		if err := s.store.SaveAgent(ctx, existing.toRecord()); err != nil {
			return nil, fmt.Errorf("failed to update agent identity: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrAgentNotFound) {
		return nil, err
	}

	now := time.Now()
	agent := &Agent{
		UUID:         identity.UUID,
		Hostname:     identity.Hostname,
		IPAddress:    identity.IPAddress,
		Location:     identity.Location,
		ConfigStatus: protocol.ConfigPending,
		RegisteredAt: now,
		UpdatedAt:    now,
	}

	if proposal != nil && s.keys != nil {
		if _, err := s.keys.Validate(proposal.Key); err == nil {
			agent.ConfigStatus = protocol.ConfigEnabled
			agent.Resources = normalizeLabels(proposal.Resources)
			agent.Environments = normalizeLabels(proposal.Environments)
			agent.ElasticProfileID = proposal.ElasticProfileID
			s.keys.RecordUse(proposal.Key)
		} else if proposal.Key != "" {
			slog.Warn("Auto-register key rejected", "agent_uuid", identity.UUID, "error", err)
		}
	}

	if err := s.store.SaveAgent(ctx, agent.toRecord()); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	slog.Info("Agent registered",
		"agent_uuid", agent.UUID,
		"hostname", agent.Hostname,
		"config_status", agent.ConfigStatus)
	return agent, nil
}

func (s *Service) UpdateAgent(ctx context.Context, agentID string, params UpdateAgentParams) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if params.ConfigStatus != nil {
		if _, err := protocol.ParseAgentConfigStatus(string(*params.ConfigStatus)); err != nil {
			return nil, err
		}
		agent.ConfigStatus = *params.ConfigStatus
	}
	if params.Resources != nil {
		agent.Resources = normalizeLabels(*params.Resources)
	}
	if params.Environments != nil {
		agent.Environments = normalizeLabels(*params.Environments)
	}
	if params.ElasticProfileID != nil {
		agent.ElasticProfileID = *params.ElasticProfileID
	}
	agent.UpdatedAt = time.Now()

	if err := s.store.SaveAgent(ctx, agent.toRecord()); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	slog.Info("Agent updated", "agent_uuid", agentID, "config_status", agent.ConfigStatus)
	return agent, nil
}

// normalizeLabels trims, lowercases and de-duplicates resource and
// environment names.
func normalizeLabels(labels []string) []string {
	var result []string
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		result = append(result, l)
	}
	return result
}
