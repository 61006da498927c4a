package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
)

var (
	ErrSequenceGap      = errors.New("console chunk leaves a gap")
	ErrIdentityMismatch = errors.New("console chunk agent does not match caller")
	ErrInvalidChunk     = errors.New("invalid console chunk")
)

// Store keeps the console of every build in arrival order.
type Store struct {
	mu     sync.RWMutex
	builds map[int64][]string
}

func NewStore() *Store {
	return &Store{builds: make(map[int64][]string)}
}

// Append adds lines seq..seq+len(lines)-1 and returns the next expected
// sequence number and how many lines were new. Lines already stored are
// skipped, so a retried chunk is harmless. A chunk starting past the end is
// refused with ErrSequenceGap.
func (s *Store) Append(buildID, seq int64, lines []string) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.builds[buildID]
	next := int64(len(stored))
	if seq < 0 {
		return next, 0, fmt.Errorf("%w: negative seq %d", ErrInvalidChunk, seq)
	}
	if seq > next {
		return next, 0, fmt.Errorf("%w: build %d expects seq %d, got %d", ErrSequenceGap, buildID, next, seq)
	}

	skip := next - seq
	if skip >= int64(len(lines)) {
		return next, 0, nil
	}
	fresh := lines[skip:]
	s.builds[buildID] = append(stored, fresh...)
	return next + int64(len(fresh)), len(fresh), nil
}

// Lines returns the build's console starting at line from.
func (s *Store) Lines(buildID, from int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.builds[buildID]
	if from < 0 || from >= int64(len(stored)) {
		return []string{}
	}
	return slices.Clone(stored[from:])
}

func (s *Store) NextSeq(buildID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.builds[buildID]))
}

// Delete forgets a build's console.
func (s *Store) Delete(buildID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.builds, buildID)
}

// JobHolder answers whether an agent currently holds a build.
type JobHolder interface {
	HoldsBuild(agentUUID string, buildID int64) bool
}

// Receiver accepts console chunks from agents.
type Receiver struct {
	store   *Store
	jobs    JobHolder
	metrics *metrics.Metrics
}

func NewReceiver(store *Store, jobs JobHolder, m *metrics.Metrics) *Receiver {
	return &Receiver{store: store, jobs: jobs, metrics: m}
}

// Append stores a chunk sent by callerUUID. Chunks for builds the caller
// does not hold are acknowledged as ignored and discarded.
func (r *Receiver) Append(_ context.Context, callerUUID string, chunk protocol.ConsoleChunk) (protocol.ConsoleAck, error) {
	if callerUUID == "" || callerUUID != chunk.AgentUUID {
		slog.Warn("Rejected console chunk with mismatched identity",
			"caller_uuid", callerUUID,
			"agent_uuid", chunk.AgentUUID)
		return protocol.ConsoleAck{}, ErrIdentityMismatch
	}

	if !r.jobs.HoldsBuild(chunk.AgentUUID, chunk.BuildID) {
		slog.Debug("Ignoring console for build not held by agent",
			"agent_uuid", chunk.AgentUUID,
			"build_id", chunk.BuildID)
		return protocol.ConsoleAck{NextSeq: r.store.NextSeq(chunk.BuildID), Ignored: true}, nil
	}

	next, added, err := r.store.Append(chunk.BuildID, chunk.Seq, chunk.Lines)
	if err != nil {
		return protocol.ConsoleAck{NextSeq: next}, err
	}
	r.metrics.AddConsoleLines(added)
	return protocol.ConsoleAck{NextSeq: next}, nil
}

func (r *Receiver) Store() *Store {
	return r.store
}
