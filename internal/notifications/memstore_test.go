package notifications

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	customers map[int64]*Customer
	manual    map[int64]map[int64]bool // tenant -> customer -> ai_disabled
	tenants   map[int64]string
	rows      []*Notification

	failCreate  error
	createCalls int
}

func newMemStore() *memStore {
	return &memStore{
		customers: map[int64]*Customer{},
		manual:    map[int64]map[int64]bool{},
		tenants:   map[int64]string{},
	}
}

func (m *memStore) addCustomer(tenantID int64, c Customer, aiDisabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := c
	m.customers[c.ID] = &cc
	if m.manual[tenantID] == nil {
		m.manual[tenantID] = map[int64]bool{}
	}
	m.manual[tenantID][c.ID] = aiDisabled
}

func (m *memStore) FindCustomer(_ context.Context, id int64) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *memStore) FindManualCustomer(_ context.Context, tenantID int64, candidates []string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.manual[tenantID]))
	for id, disabled := range m.manual[tenantID] {
		if disabled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, phone := range candidates {
		for _, id := range ids {
			c := m.customers[id]
			if NormalizePhone(c.Phone) == phone {
				cc := *c
				return &cc, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) decorate(n *Notification) *Notification {
	out := *n
	if n.CustomerID != nil {
		if c, ok := m.customers[*n.CustomerID]; ok {
			name, phone := c.Name, c.Phone
			out.CustomerName, out.CustomerPhone = &name, &phone
		}
	}
	if name, ok := m.tenants[n.TenantID]; ok {
		out.TenantName = &name
	}
	return &out
}

func (m *memStore) CreateDeduped(_ context.Context, n *Notification, since time.Time) (*Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.failCreate != nil {
		return nil, false, m.failCreate
	}
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		if r.TenantID == n.TenantID && r.Kind == n.Kind && sameCustomer(r.CustomerID, n.CustomerID) &&
			!r.Read && !r.CreatedAt.Before(since) {
			return m.decorate(r), true, nil
		}
	}
	stored := *n
	m.rows = append(m.rows, &stored)
	return m.decorate(&stored), false, nil
}

func sameCustomer(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func inScope(scope *int64, n *Notification) bool {
	return scope == nil || *scope == n.TenantID
}

func (m *memStore) List(_ context.Context, p ListParams) ([]Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.normalize()
	var matched []Notification
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		if !inScope(p.TenantID, r) || (p.Kind != "" && r.Kind != p.Kind) || (p.Read != nil && r.Read != *p.Read) {
			continue
		}
		matched = append(matched, *m.decorate(r))
	}
	total := len(matched)
	if p.Offset >= total {
		return []Notification{}, total, nil
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return matched[p.Offset:end], total, nil
}

func (m *memStore) UnreadCount(_ context.Context, scope *int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if inScope(scope, r) && !r.Read {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetRead(_ context.Context, scope *int64, id string, read bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id && inScope(scope, r) {
			r.Read = read
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) MarkAllRead(_ context.Context, scope *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if inScope(scope, r) && !r.Read {
			r.Read = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) Delete(_ context.Context, scope *int64, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rows {
		if r.ID == id && inScope(scope, r) {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type publishCall struct {
	tenantID int64
	payload  interface{}
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (f *fakePublisher) PublishNotification(tenantID int64, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{tenantID: tenantID, payload: payload})
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeClock is advanced manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
