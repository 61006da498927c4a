package agents

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/google/uuid"
)

const (
	DefaultLostContactTimeout = 2 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
)

// RuntimeEntry is the server's live view of one agent process.
type RuntimeEntry struct {
	Info     protocol.AgentRuntimeInfo
	Cookie   string
	LastSeen time.Time

	cancelLocator  string
	cancelIssuedAt time.Time
}

// CookieResult reports the outcome of a cookie reconciliation. Previous is
// the cookie that was replaced; a non-empty Previous means an older process
// of the same agent has been superseded.
type CookieResult struct {
	Cookie   string
	Previous string
	Reissued bool
}

// Registry tracks runtime snapshots, cookies and liveness per agent UUID.
// Nothing here is persisted.
type Registry struct {
	agents             map[string]*RuntimeEntry
	mu                 sync.RWMutex
	stopCh             chan struct{}
	stopOnce           sync.Once
	lostContactTimeout time.Duration
	now                func() time.Time
}

func NewRegistry(lostContactTimeout time.Duration) *Registry {
	if lostContactTimeout <= 0 {
		lostContactTimeout = DefaultLostContactTimeout
	}
	return &Registry{
		agents:             make(map[string]*RuntimeEntry),
		stopCh:             make(chan struct{}),
		lostContactTimeout: lostContactTimeout,
		now:                time.Now,
	}
}

// Start runs the liveness sweep until Stop is called.
func (r *Registry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go r.sweepLoop(interval)
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) entryLocked(agentID string) *RuntimeEntry {
	e, ok := r.agents[agentID]
	if !ok {
		e = &RuntimeEntry{}
		r.agents[agentID] = e
	}
	return e
}

// UpdateRuntimeInfo stores the latest snapshot for the agent, replacing the
// previous one. The snapshot's cookie is ignored; the registry's own cookie
// is authoritative. Only pings use it: it clears a LostContact or Missing
// mark.
func (r *Registry) UpdateRuntimeInfo(info protocol.AgentRuntimeInfo) {
	r.update(info, true)
}

// RefreshRuntimeInfo is UpdateRuntimeInfo for calls other than ping. An agent
// marked LostContact or Missing keeps that status.
func (r *Registry) RefreshRuntimeInfo(info protocol.AgentRuntimeInfo) {
	r.update(info, false)
}

func (r *Registry) update(info protocol.AgentRuntimeInfo, revive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(info.UUID())
	cookie := e.Cookie
	if !revive && e.Info.RuntimeStatus != "" && !e.Info.RuntimeStatus.Reachable() {
		info.RuntimeStatus = e.Info.RuntimeStatus
	}
	info.AutoRegister = nil
	e.Info = info
	e.Info.Cookie = cookie
	e.LastSeen = r.now()

	if e.cancelLocator != "" && e.cancelLocator != info.BuildLocator {
		e.cancelLocator = ""
		e.cancelIssuedAt = time.Time{}
	}
}

func (r *Registry) Get(agentID string) (RuntimeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return RuntimeEntry{}, false
	}
	return *e, true
}

func (r *Registry) List() []RuntimeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]RuntimeEntry, 0, len(r.agents))
	for _, e := range r.agents {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Info.UUID() < result[j].Info.UUID() })
	return result
}

// RuntimeStatus returns Unknown for agents the registry has never heard from.
func (r *Registry) RuntimeStatus(agentID string) protocol.AgentRuntimeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok || e.Info.RuntimeStatus == "" {
		return protocol.RuntimeUnknown
	}
	return e.Info.RuntimeStatus
}

func (r *Registry) CountByStatus() map[protocol.AgentRuntimeStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[protocol.AgentRuntimeStatus]int)
	for _, e := range r.agents {
		status := e.Info.RuntimeStatus
		if status == "" {
			status = protocol.RuntimeUnknown
		}
		counts[status]++
	}
	return counts
}

// CompareAndSwapCookie replaces the agent's cookie with next only if the
// current cookie is still old.
func (r *Registry) CompareAndSwapCookie(agentID, old, next string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(agentID)
	if e.Cookie != old {
		return false
	}
	e.Cookie = next
	e.Info.Cookie = next
	return true
}

func (r *Registry) CookieMatches(agentID, cookie string) bool {
	if cookie == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	return ok && e.Cookie == cookie
}

// ReconcileCookie keeps the presented cookie if it is the one last issued,
// otherwise issues a fresh one.
func (r *Registry) ReconcileCookie(agentID, presented string) CookieResult {
	for {
		current := r.currentCookie(agentID)
		if presented != "" && presented == current {
			return CookieResult{Cookie: current}
		}
		next := uuid.NewString()
		if r.CompareAndSwapCookie(agentID, current, next) {
			if current != "" {
				slog.Info("Agent cookie reissued",
					"agent_uuid", agentID,
					"presented_cookie_set", presented != "")
			}
			return CookieResult{Cookie: next, Previous: current, Reissued: true}
		}
	}
}

// IssueCookie unconditionally hands out a new cookie.
func (r *Registry) IssueCookie(agentID string) CookieResult {
	for {
		current := r.currentCookie(agentID)
		next := uuid.NewString()
		if r.CompareAndSwapCookie(agentID, current, next) {
			return CookieResult{Cookie: next, Previous: current, Reissued: true}
		}
	}
}

func (r *Registry) currentCookie(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agentID]; ok {
		return e.Cookie
	}
	return ""
}

// NoteCancel records that the agent was told to cancel the job at locator
// and returns when that instruction was first issued.
func (r *Registry) NoteCancel(agentID, locator string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(agentID)
	if e.cancelLocator != locator || e.cancelIssuedAt.IsZero() {
		e.cancelLocator = locator
		e.cancelIssuedAt = r.now()
	}
	return e.cancelIssuedAt
}

func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep marks agents not heard from within the lost contact timeout.
// Building agents become LostContact, everything else Missing. The mark
// stays until the agent pings.
func (r *Registry) sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var marked []string
	for agentID, e := range r.agents {
		if !e.Info.RuntimeStatus.Reachable() || e.LastSeen.IsZero() {
			continue
		}
		if now.Sub(e.LastSeen) <= r.lostContactTimeout {
			continue
		}

		next := protocol.RuntimeMissing
		if e.Info.RuntimeStatus == protocol.RuntimeBuilding {
			next = protocol.RuntimeLostContact
		}
		slog.Warn("Agent stopped pinging",
			"agent_uuid", agentID,
			"last_seen", e.LastSeen,
			"runtime_status", next)
		e.Info.RuntimeStatus = next
		marked = append(marked, agentID)
	}
	return marked
}
