package drain

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var ErrUpdateInProgress = errors.New("material update already in progress")

// MDU marks one material update in flight.
type MDU struct {
	Material  string    `json:"material"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker records in-flight material updates. New updates are refused while
// the server drains; updates already running are left to finish.
type Tracker struct {
	mu       sync.Mutex
	inFlight map[string]MDU
	gate     func(fn func() error) error
	now      func() time.Time
}

// NewTracker returns a tracker that refuses new updates while draining
// reports true. A nil draining never refuses.
func NewTracker(draining func() bool) *Tracker {
	if draining == nil {
		draining = func() bool { return false }
	}
	return newGatedTracker(func(fn func() error) error {
		if draining() {
			return ErrDraining
		}
		return fn()
	})
}

// newGatedTracker registers updates inside gate, which either runs the
// registration or refuses it.
func newGatedTracker(gate func(fn func() error) error) *Tracker {
	return &Tracker{
		inFlight: make(map[string]MDU),
		gate:     gate,
		now:      time.Now,
	}
}

// TryStart registers an update for material. The returned func must be
// called when the update ends; calling it more than once is harmless.
func (t *Tracker) TryStart(material string) (func(), error) {
	err := t.gate(func() error {
		t.mu.Lock()
		defer t.mu.Unlock()

		if _, busy := t.inFlight[material]; busy {
			return ErrUpdateInProgress
		}
		t.inFlight[material] = MDU{Material: material, StartedAt: t.now()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Material update started", "material", material)

	var once sync.Once
	return func() { once.Do(func() { t.finish(material) }) }, nil
}

func (t *Tracker) finish(material string) {
	t.mu.Lock()
	delete(t.inFlight, material)
	remaining := len(t.inFlight)
	t.mu.Unlock()

	slog.Debug("Material update finished", "material", material, "in_flight", remaining)
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

func (t *Tracker) Running() []MDU {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]MDU, 0, len(t.inFlight))
	for _, m := range t.inFlight {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Material < result[j].Material })
	return result
}
