package idx

import (
	"context"
	"slices"
	"sync/atomic"
)

// Lock waits until the caller holds key. Holders of the same key run one at
// a time in arrival order; different keys never wait on each other. The
// returned unlock hands the key to the next waiter; calling it twice is
// logged and ignored.
func (m *Manager) Lock(ctx context.Context, key string) (func(), error) {
	ch := make(chan struct{})
	m.mu.Lock()
	q := m.waiting[key]
	m.waiting[key] = append(q, ch)
	if len(q) == 0 {
		close(ch)
	}
	m.mu.Unlock()
	if len(q) > 0 {
		m.metrics.LockWaits.Inc()
	}

	select {
	case <-ch:
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ch:
			// Handed over while giving up.
			m.mu.Unlock()
			m.release(key)
		default:
			m.waiting[key] = slices.DeleteFunc(m.waiting[key], func(c chan struct{}) bool { return c == ch })
			m.mu.Unlock()
		}
		return nil, ctx.Err()
	}

	var done atomic.Bool
	return func() {
		if !done.CompareAndSwap(false, true) {
			m.log.Error("unlock called again", "key", key)
			return
		}
		m.release(key)
	}, nil
}

// WithLock runs critical while holding key.
func (m *Manager) WithLock(ctx context.Context, key string, critical func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return critical()
}

// release drops the current holder of key and wakes the next waiter.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.waiting[key][1:]
	if len(q) == 0 {
		delete(m.waiting, key)
		return
	}
	m.waiting[key] = q
	close(q[0])
}
