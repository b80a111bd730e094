package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTokenTaken is returned by repositories when a generated token collides.
var ErrTokenTaken = errors.New("order: token already issued")

// ListFilter narrows the admin listing.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// Repository persists orders and their documents.
type Repository interface {
	Insert(ctx context.Context, o Order, files []File) (Order, error)
	ByID(ctx context.Context, id string) (Order, error)
	ByToken(ctx context.Context, token string) (Order, error)
	ByProof(ctx context.Context, proofID string) (Order, error)
	ListByOwner(ctx context.Context, owner string) ([]Order, error)
	List(ctx context.Context, f ListFilter) ([]Order, int, error)
	// UpdateStatus moves the order only if it is still in from.
	UpdateStatus(ctx context.Context, id string, from, to Status) (Order, error)
	Delete(ctx context.Context, id string) error
	File(ctx context.Context, orderID string, index int) (File, error)
}

// MemoryRepository keeps orders in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	orders  map[string]Order
	files   map[string][]File
	byToken map[string]string
	byProof map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:  map[string]Order{},
		files:   map[string][]File{},
		byToken: map[string]string{},
		byProof: map[string]string{},
	}
}

func (m *MemoryRepository) Insert(_ context.Context, o Order, files []File) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byProof[o.PaymentProofID]; ok {
		return Order{}, ErrDuplicateProof
	}
	if _, ok := m.byToken[o.Token]; ok {
		return Order{}, ErrTokenTaken
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	o.Items = append([]Item(nil), o.Items...)
	m.orders[o.ID] = o
	m.files[o.ID] = append([]File(nil), files...)
	m.byToken[o.Token] = o.ID
	m.byProof[o.PaymentProofID] = o.ID
	return o, nil
}

func (m *MemoryRepository) ByID(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryRepository) ByToken(ctx context.Context, token string) (Order, error) {
	m.mu.RLock()
	id, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return Order{}, ErrNotFound
	}
	return m.ByID(ctx, id)
}

func (m *MemoryRepository) ByProof(ctx context.Context, proofID string) (Order, error) {
	m.mu.RLock()
	id, ok := m.byProof[proofID]
	m.mu.RUnlock()
	if !ok {
		return Order{}, ErrNotFound
	}
	return m.ByID(ctx, id)
}

func (m *MemoryRepository) sorted(keep func(Order) bool) []Order {
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryRepository) ListByOwner(_ context.Context, owner string) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(func(o Order) bool { return o.Owner == owner }), nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(func(o Order) bool { return f.Status == "" || o.Status == f.Status })
	total := len(all)
	if f.Offset >= total {
		return []Order{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return all[f.Offset:end], total, nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, from, to Status) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status != from {
		return Order{}, ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return o, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	delete(m.files, id)
	delete(m.byToken, o.Token)
	delete(m.byProof, o.PaymentProofID)
	return nil
}

func (m *MemoryRepository) File(_ context.Context, orderID string, index int) (File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files[orderID] {
		if f.Index == index {
			return f, nil
		}
	}
	return File{}, ErrNotFound
}
