package db

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]AgentRecord
	jobs   map[int64]JobRecord
	drain  DrainModeRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]AgentRecord),
		jobs:   make(map[int64]JobRecord),
	}
}

func (s *MemoryStore) GetAgent(_ context.Context, uuid string) (AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[uuid]
	if !ok {
		return AgentRecord{}, ErrNotFound
	}
	return copyAgent(agent), nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, copyAgent(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UUID < result[j].UUID })
	return result, nil
}

func (s *MemoryStore) SaveAgent(_ context.Context, agent AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[agent.UUID] = copyAgent(agent)
	return nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.BuildID] = copyJob(job)
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, includeTerminal bool) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !includeTerminal && isTerminalJobState(j.State) {
			continue
		}
		result = append(result, copyJob(j))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BuildID < result[j].BuildID })
	return result, nil
}

func (s *MemoryStore) MaxBuildID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxID int64
	for id := range s.jobs {
		maxID = max(maxID, id)
	}
	return maxID, nil
}

func (s *MemoryStore) LoadDrainMode(_ context.Context) (DrainModeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drain, nil
}

func (s *MemoryStore) SaveDrainMode(_ context.Context, record DrainModeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drain = record
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyAgent(a AgentRecord) AgentRecord {
	a.Resources = slices.Clone(a.Resources)
	a.Environments = slices.Clone(a.Environments)
	return a
}

func copyJob(j JobRecord) JobRecord {
	j.Resources = slices.Clone(j.Resources)
	j.Commands = slices.Clone(j.Commands)
	j.EnvironmentVariables = maps.Clone(j.EnvironmentVariables)
	return j
}
