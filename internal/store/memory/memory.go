// Package memory is an in-process Store used by tests and sandbox mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/store"
)

type methodKey struct {
	provider payment.ProviderType
	id       string
}

type savedMethod struct {
	m   payment.StoredPaymentMethod
	seq int
}

type Store struct {
	mu      sync.RWMutex
	orders  map[string]store.OrderPayment
	methods map[string]map[methodKey]savedMethod
	seq     int
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:  make(map[string]store.OrderPayment),
		methods: make(map[string]map[methodKey]savedMethod),
		now:     time.Now,
	}
}

func (s *Store) RecordSettlement(_ context.Context, p store.OrderPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.orders[p.OrderRef]; ok && cur.Status == store.StatusSettled {
		if cur.TransactionID == p.TransactionID {
			return nil
		}
		return store.ErrAlreadySettled
	}
	p.Status = store.StatusSettled
	p.Error = ""
	p.ReconciliationRequired = false
	p.UpdatedAt = s.now()
	p.Metadata = copyMap(p.Metadata)
	s.orders[p.OrderRef] = p
	return nil
}

func (s *Store) RecordFailure(_ context.Context, p store.OrderPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.orders[p.OrderRef]; ok && cur.Status == store.StatusSettled {
		return store.ErrAlreadySettled
	}
	p.Status = store.StatusFailed
	p.TransactionID = ""
	p.UpdatedAt = s.now()
	p.Metadata = copyMap(p.Metadata)
	s.orders[p.OrderRef] = p
	return nil
}

func (s *Store) GetOrderPayment(_ context.Context, orderRef string) (store.OrderPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.orders[orderRef]
	if !ok {
		return store.OrderPayment{}, store.ErrNotFound
	}
	p.Metadata = copyMap(p.Metadata)
	return p, nil
}

func (s *Store) SavePaymentMethod(_ context.Context, userID string, m payment.StoredPaymentMethod) (payment.StoredPaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.methods[userID]
	if !ok {
		byKey = make(map[methodKey]savedMethod)
		s.methods[userID] = byKey
	}
	key := methodKey{provider: m.Provider, id: m.ID}
	m.Metadata = copyMap(m.Metadata)

	if cur, ok := byKey[key]; ok {
		m.IsDefault = cur.m.IsDefault
		byKey[key] = savedMethod{m: m, seq: cur.seq}
		return m, nil
	}
	m.IsDefault = len(byKey) == 0
	s.seq++
	byKey[key] = savedMethod{m: m, seq: s.seq}
	return m, nil
}

// ListPaymentMethods returns the user's methods in the order they were first
// saved.
func (s *Store) ListPaymentMethods(_ context.Context, userID string) ([]payment.StoredPaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saved := make([]savedMethod, 0, len(s.methods[userID]))
	for _, sm := range s.methods[userID] {
		saved = append(saved, sm)
	}
	sort.Slice(saved, func(i, j int) bool { return saved[i].seq < saved[j].seq })

	out := make([]payment.StoredPaymentMethod, 0, len(saved))
	for _, sm := range saved {
		m := sm.m
		m.Metadata = copyMap(m.Metadata)
		out = append(out, m)
	}
	return out, nil
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
