package tariff

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Repository persists tariffs. Prior tariffs are never deleted; historical
// buckets are priced against the tariff active at their timestamps.
type Repository interface {
	Save(ctx context.Context, t *Tariff) error
	ListAll(ctx context.Context) ([]*Tariff, error)
}

// Manager owns the tariff history. The active tariff is resolved against the
// clock on every read, so a tariff stored with a future EffectiveFrom takes
// over the moment its time arrives without any further mutation.
type Manager struct {
	mu      sync.RWMutex
	history []*Tariff // sorted by EffectiveFrom ascending

	repo   Repository
	logger *logrus.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewManager loads the tariff history from the repository.
func NewManager(ctx context.Context, repo Repository, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{repo: repo, logger: logger, now: time.Now}

	if repo != nil {
		history, err := repo.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(history, func(i, j int) bool {
			return history[i].EffectiveFrom.Before(history[j].EffectiveFrom)
		})
		m.history = history
	}

	return m, nil
}

// Put validates and persists a tariff and inserts it into the history.
// Validation failure leaves state untouched.
func (m *Manager) Put(ctx context.Context, t *Tariff) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EffectiveFrom.IsZero() {
		t.EffectiveFrom = time.Now().UTC()
	}

	if m.repo != nil {
		if err := m.repo.Save(ctx, t); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.history = append(m.history, t)
	sort.Slice(m.history, func(i, j int) bool {
		return m.history[i].EffectiveFrom.Before(m.history[j].EffectiveFrom)
	})
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"tariff_id":      t.ID,
		"kind":           t.Kind,
		"effective_from": t.EffectiveFrom,
	}).Info("Tariff stored")
	return nil
}

// Active returns the currently active tariff, nil when none is effective yet.
func (m *Manager) Active() *Tariff {
	return m.ActiveAt(m.now())
}

// ActiveAt returns the tariff effective at ts: the one with the greatest
// EffectiveFrom not after ts.
func (m *Manager) ActiveAt(ts time.Time) *Tariff {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var match *Tariff
	for _, t := range m.history {
		if t.EffectiveFrom.After(ts) {
			break
		}
		match = t
	}
	return match
}

// History returns the full tariff history, oldest first.
func (m *Manager) History() []*Tariff {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tariff, len(m.history))
	copy(out, m.history)
	return out
}
