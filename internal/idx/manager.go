package idx

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"github.com/weaver/Toji/internal/avro"
	"github.com/weaver/Toji/internal/errors"
	"github.com/weaver/Toji/internal/kv"
)

// DefaultAttempts bounds key generation attempts in Create.
const DefaultAttempts = 5

// Metrics counts lock contention, create retries and index conflicts.
type Metrics struct {
	LockWaits     prometheus.Counter
	CreateRetries prometheus.Counter
	Conflicts     prometheus.Counter
}

// NewMetrics registers the index metrics with reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LockWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "toji",
			Subsystem: "idx",
			Name:      "lock_waits_total",
			Help:      "Number of times a writer queued behind another writer of the same key.",
		}),
		CreateRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "toji",
			Subsystem: "idx",
			Name:      "create_retries_total",
			Help:      "Number of generated keys that collided with an existing record.",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "toji",
			Subsystem: "idx",
			Name:      "conflicts_total",
			Help:      "Number of writes rejected because of a unique index conflict.",
		}),
	}
}

// Manager serializes writes per primary key and computes the index entries
// each write adds and removes.
type Manager struct {
	store    kv.Store
	log      *slog.Logger
	metrics  *Metrics
	attempts int

	mu      sync.Mutex
	waiting map[string][]chan struct{}
}

// NewManager returns a manager over store. log and metrics may be nil.
func NewManager(store kv.Store, log *slog.Logger, metrics *Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		store:    store,
		log:      log,
		metrics:  metrics,
		attempts: DefaultAttempts,
		waiting:  map[string][]chan struct{}{},
	}
}

// SetAttempts changes how many keys Create tries before giving up.
func (m *Manager) SetAttempts(n int) {
	if n > 0 {
		m.attempts = n
	}
}

// Metrics returns the manager's counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

func duplicateRecord(key string) error {
	return fmt.Errorf("%w: %s", kv.ErrDuplicateRecord, key)
}

func noRecord(key string) error {
	return fmt.Errorf("%w: %s", kv.ErrNoRecord, key)
}

// existing reads the stored value of key, nil when absent.
func (m *Manager) existing(ctx context.Context, key string) ([]byte, error) {
	data, err := m.store.Get(ctx, key)
	if stderrors.Is(err, kv.ErrNoRecord) {
		return nil, nil
	}
	return data, err
}

// PrepareAdd locks key, checks that no record is stored there and calls next
// with the entries rec needs.
func (m *Manager) PrepareAdd(ctx context.Context, set *Set, rec *avro.Record, key string, next func(entries map[string]string) error) error {
	return m.WithLock(ctx, key, func() error {
		orig, err := m.existing(ctx, key)
		if err != nil {
			return err
		}
		if orig != nil {
			return duplicateRecord(key)
		}
		entries, err := set.Calculate(rec, key)
		if err != nil {
			return err
		}
		return m.observe(next(entries))
	})
}

// PrepareReplace locks key, reads the stored record and calls next with the
// entries rec needs and the stale entries of the stored record to delete.
func (m *Manager) PrepareReplace(ctx context.Context, set *Set, rec *avro.Record, key string, next func(entries map[string]string, stale []string) error) error {
	return m.WithLock(ctx, key, func() error {
		orig, err := m.existing(ctx, key)
		if err != nil {
			return err
		}
		if orig == nil {
			return noRecord(key)
		}
		entries, err := set.Calculate(rec, key)
		if err != nil {
			return err
		}
		stale, err := m.diff(set, entries, orig, key)
		if err != nil {
			return err
		}
		return m.observe(next(entries, stale))
	})
}

// PrepareRemove locks key, reads the stored record and calls next with its
// entries.
func (m *Manager) PrepareRemove(ctx context.Context, set *Set, key string, next func(stale []string) error) error {
	return m.WithLock(ctx, key, func() error {
		orig, err := m.existing(ctx, key)
		if err != nil {
			return err
		}
		if orig == nil {
			return noRecord(key)
		}
		stale, err := m.diff(set, nil, orig, key)
		if err != nil {
			return err
		}
		return next(stale)
	})
}

// diff returns the entries of the stored record missing from entries.
func (m *Manager) diff(set *Set, entries map[string]string, orig []byte, key string) ([]string, error) {
	if set.IsEmpty() {
		return nil, nil
	}
	old, err := set.Type().Unmarshal(orig)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	prev, err := set.Calculate(old, key)
	if err != nil {
		return nil, err
	}
	stale := lo.Filter(lo.Keys(prev), func(k string, _ int) bool {
		_, keep := entries[k]
		return !keep
	})
	slices.Sort(stale)
	return stale, nil
}

func (m *Manager) observe(err error) error {
	var conflict *kv.ConflictError
	if stderrors.As(err, &conflict) {
		m.metrics.Conflicts.Inc()
	}
	return err
}

// Create stores a new record under a generated key. A key that is already
// taken is replaced by a fresh one, up to the configured number of attempts.
// write performs the store update for the chosen key.
func (m *Manager) Create(ctx context.Context, set *Set, rec *avro.Record, newKey func() string, write func(key string, entries map[string]string) error) (string, error) {
	var last error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		key := newKey()
		err := m.PrepareAdd(ctx, set, rec, key, func(entries map[string]string) error {
			return write(key, entries)
		})
		if err == nil {
			return key, nil
		}
		if !stderrors.Is(err, kv.ErrDuplicateRecord) {
			return "", err
		}
		last = err
		m.metrics.CreateRetries.Inc()
		m.log.Debug("key collision", "key", key, "attempt", attempt)
	}
	return "", errors.Newf(errors.KindDuplicateRecord, "could not allocate a unique key after %d attempts", m.attempts).Wrap(last)
}

// Validate compares the unique entries rec would claim with the store and
// reports the ones held by another record into errs. Fields that already have
// errors are skipped. The result is advisory: the store may change before
// the record is written.
func (m *Manager) Validate(ctx context.Context, set *Set, rec *avro.Record, key string, errs avro.Errors) error {
	expect := map[string]string{}
	for _, ix := range set.indexes {
		if !ix.unique || errs.Has(ix.field.Name()) {
			continue
		}
		v, ok, err := ix.Value(rec, key)
		if err != nil || !ok {
			continue
		}
		expect[ix.Entry(v, key)] = key
	}
	if len(expect) == 0 {
		return nil
	}
	snapshot, err := m.store.GetBulk(ctx, lo.Keys(expect))
	if err != nil {
		return err
	}
	invalid := map[string]string{}
	for k, v := range snapshot {
		if string(v) != expect[k] {
			invalid[k] = string(v)
		}
	}
	set.AddErrors(invalid, errs)
	return nil
}
