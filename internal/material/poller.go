// Package material polls source-control materials for new revisions. Each
// check runs as a material update registered with the drain tracker, so no
// new update starts while the server drains.
package material

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/drain"
	"github.com/EternisAI/silo-dispatch/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = time.Minute
	checkTimeout        = 30 * time.Second
	maxParallelChecks   = 4
)

type Material interface {
	Name() string
	Latest(ctx context.Context) (string, error)
}

type Revision struct {
	Material  string    `json:"material"`
	Revision  string    `json:"revision"`
	CheckedAt time.Time `json:"checked_at"`
}

type Poller struct {
	tracker   *drain.Tracker
	materials []Material
	interval  time.Duration
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	latest map[string]Revision
	now    func() time.Time
}

func NewPoller(tracker *drain.Tracker, materials []Material, interval time.Duration, m *metrics.Metrics) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		tracker:   tracker,
		materials: materials,
		interval:  interval,
		metrics:   m,
		latest:    make(map[string]Revision),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.materials) == 0 {
		slog.Info("No materials configured, poller idle")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("Material poller started", "materials", len(p.materials), "interval", p.interval)
	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Material poller stopped")
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce checks every material once and returns the number of updates
// that actually ran.
func (p *Poller) PollOnce(ctx context.Context) int {
	var (
		g       errgroup.Group
		started int
	)
	g.SetLimit(maxParallelChecks)

	for _, m := range p.materials {
		done, err := p.tracker.TryStart(m.Name())
		if err != nil {
			result := "busy"
			if errors.Is(err, drain.ErrDraining) {
				result = "refused"
			}
			slog.Debug("Material update skipped", "material", m.Name(), "reason", err)
			p.metrics.IncMaterialUpdate(result)
			continue
		}

		started++

		g.Go(func() error {
			defer done()
			p.check(ctx, m)
			return nil
		})
	}

	_ = g.Wait()
	return started
}

func (p *Poller) check(ctx context.Context, m Material) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	revision, err := m.Latest(ctx)
	if err != nil {
		slog.Warn("Material update failed", "material", m.Name(), "error", err)
		p.metrics.IncMaterialUpdate("error")
		return
	}

	p.mu.Lock()
	previous, seen := p.latest[m.Name()]
	p.latest[m.Name()] = Revision{Material: m.Name(), Revision: revision, CheckedAt: p.now()}
	p.mu.Unlock()

	if seen && previous.Revision != revision {
		slog.Info("New revision detected", "material", m.Name(), "revision", revision, "previous", previous.Revision)
	}
	p.metrics.IncMaterialUpdate("ok")
}

func (p *Poller) Latest() []Revision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]Revision, 0, len(p.latest))
	for _, r := range p.latest {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Material < result[j].Material })
	return result
}
