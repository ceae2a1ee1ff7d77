package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/lalithlochan/dunning/internal/db"
)

// memStore is an in-memory Store that also serves correlation lookups and
// the phone directory.
type memStore struct {
	mu           sync.Mutex
	customers    map[uuid.UUID]*db.Customer
	invoices     map[uuid.UUID]*db.Invoice
	payments     []*db.Payment
	applications []db.ApplyPaymentParams
	events       []*db.ContactEvent
	phoneLoads   int
	failAppend   bool
}

func newMemStore() *memStore {
	return &memStore{
		customers: make(map[uuid.UUID]*db.Customer),
		invoices:  make(map[uuid.UUID]*db.Invoice),
	}
}

func (m *memStore) addCustomer(tenantID uuid.UUID, email, phone string) *db.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &db.Customer{ID: uuid.New(), TenantID: tenantID, Name: "Cliente"}
	if email != "" {
		c.Email = &email
	}
	if phone != "" {
		c.Phone = &phone
	}
	m.customers[c.ID] = c
	return c
}

func (m *memStore) addInvoice(inv *db.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
}

func (m *memStore) GetCustomer(ctx context.Context, tenantID, id uuid.UUID) (*db.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok || c.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	return c, nil
}

func (m *memStore) FindCustomerByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*db.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.customers {
		if c.TenantID == tenantID && c.Email != nil && *c.Email == email {
			return c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) ListCustomersWithPhone(ctx context.Context, tenantID uuid.UUID) ([]*db.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phoneLoads++
	var out []*db.Customer
	for _, c := range m.customers {
		if c.TenantID == tenantID && c.Phone != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) GetInvoice(ctx context.Context, tenantID, id uuid.UUID) (*db.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	return inv, nil
}

func (m *memStore) ListCustomerInvoices(ctx context.Context, tenantID, customerID uuid.UUID) ([]*db.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Invoice
	for _, inv := range m.invoices {
		if inv.TenantID == tenantID && inv.CustomerID == customerID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memStore) UpsertSettledPayment(ctx context.Context, p *db.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, p)
	return nil
}

func (m *memStore) ApplyPayment(ctx context.Context, p db.ApplyPaymentParams) (*db.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applications = append(m.applications, p)
	return m.invoices[p.InvoiceID], nil
}

func (m *memStore) AppendEvent(ctx context.Context, ev *db.ContactEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return errors.New("ledger unavailable")
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) FindEventByExternalID(ctx context.Context, tenantID uuid.UUID, externalMessageID string) (*db.ContactEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.TenantID == tenantID && ev.Direction == db.DirectionOutbound &&
			ev.ExternalMessageID != nil && *ev.ExternalMessageID == externalMessageID {
			return ev, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) EnrichEvent(ctx context.Context, tenantID uuid.UUID, externalMessageID, status string, errorReason *string, patch json.RawMessage) (*db.ContactEvent, error) {
	ev, err := m.FindEventByExternalID(ctx, tenantID, externalMessageID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if status != "" {
		ev.Status = status
	}
	if errorReason != nil {
		ev.ErrorReason = errorReason
	}
	ev.Payload = patch
	return ev, nil
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
