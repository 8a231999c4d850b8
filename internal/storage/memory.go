package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

// Memory is a process-local store. Updates for one user are serialized by a
// per-user mutex, different users do not block each other.
type Memory struct {
	mu       sync.Mutex
	locks    map[int64]*sync.Mutex
	sessions map[int64]exchange.Session

	chargesMu sync.Mutex
	charges   map[string]int64

	now func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		locks:    make(map[int64]*sync.Mutex),
		sessions: make(map[int64]exchange.Session),
		charges:  make(map[string]int64),
		now:      time.Now,
	}
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) userLock(userKey int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[userKey]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userKey] = l
	}
	return l
}

// Get returns the session of a user
func (m *Memory) Get(_ context.Context, userKey int64) (exchange.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userKey]
	return s, ok, nil
}

// CompareAndSwap applies update when the stored state equals expected
func (m *Memory) CompareAndSwap(_ context.Context, userKey int64, expected exchange.State, update exchange.UpdateFunc) (exchange.Session, error) {
	l := m.userLock(userKey)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	current, ok := m.sessions[userKey]
	m.mu.Unlock()
	if !ok {
		current = exchange.NewSession(userKey, m.now())
	}

	if current.State != expected {
		return current, fmt.Errorf("%w: state is %s, expected %s", exchange.ErrConflict, current.State, expected)
	}

	next := current
	if err := update(&next); err != nil {
		return current, err
	}

	if next.ChargeID != "" && next.ChargeID != current.ChargeID {
		if !m.claimCharge(next.ChargeID, userKey) {
			return current, fmt.Errorf("charge %s: %w", next.ChargeID, exchange.ErrDuplicateNotification)
		}
	}

	m.mu.Lock()
	m.sessions[userKey] = next
	m.mu.Unlock()

	return next, nil
}

func (m *Memory) claimCharge(chargeID string, userKey int64) bool {
	m.chargesMu.Lock()
	defer m.chargesMu.Unlock()

	if _, ok := m.charges[chargeID]; ok {
		return false
	}
	m.charges[chargeID] = userKey
	return true
}

// ChargeRecorded reports whether chargeID was claimed by any session
func (m *Memory) ChargeRecorded(_ context.Context, chargeID string) (bool, error) {
	m.chargesMu.Lock()
	defer m.chargesMu.Unlock()

	_, ok := m.charges[chargeID]
	return ok, nil
}

// ListByState returns sessions in state last updated before the given time
func (m *Memory) ListByState(_ context.Context, state exchange.State, updatedBefore time.Time) ([]exchange.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []exchange.Session
	for _, s := range m.sessions {
		if s.State == state && s.UpdatedAt.Before(updatedBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
