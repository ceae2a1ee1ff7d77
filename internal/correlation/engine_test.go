package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

type fixture struct {
	tenant, customer uuid.UUID
	inv1, inv2       *db.Invoice
	paid             *db.Invoice
}

func newFixture() fixture {
	tenant, customer := uuid.New(), uuid.New()
	mk := func(number, status string, due time.Time) *db.Invoice {
		return &db.Invoice{
			ID: uuid.New(), TenantID: tenant, CustomerID: customer,
			Number: number, Status: status, DueDate: due,
		}
	}
	return fixture{
		tenant:   tenant,
		customer: customer,
		inv1:     mk("1", db.InvoiceStatusOpen, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)),
		inv2:     mk("2", db.InvoiceStatusOverdue, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)),
		paid:     mk("INV-0007", db.InvoiceStatusPaid, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func (f fixture) snapshot() Snapshot {
	return Snapshot{Invoices: []*db.Invoice{f.inv1, f.inv2, f.paid}}
}

func (f fixture) input() Input {
	return Input{TenantID: f.tenant, CustomerID: f.customer}
}

func TestResolve_Priority(t *testing.T) {
	f := newFixture()
	foreign := uuid.New()

	tests := []struct {
		name     string
		mutate   func(*Input, *Snapshot)
		want     *db.Invoice
		strategy Strategy
	}{
		{
			name:     "text token",
			mutate:   func(in *Input, _ *Snapshot) { in.Text = "ref #2" },
			want:     f.inv2,
			strategy: StrategyTextToken,
		},
		{
			name:     "fallback to latest due open invoice",
			mutate:   func(in *Input, _ *Snapshot) { in.Text = "hola, quiero pagar" },
			want:     f.inv2,
			strategy: StrategyFallback,
		},
		{
			name: "explicit wins over token",
			mutate: func(in *Input, _ *Snapshot) {
				in.InvoiceID = &f.inv1.ID
				in.Text = "ref #2"
			},
			want:     f.inv1,
			strategy: StrategyExplicit,
		},
		{
			name: "explicit id of another customer is ignored",
			mutate: func(in *Input, _ *Snapshot) {
				in.InvoiceID = &foreign
				in.Text = "factura 1"
			},
			want:     f.inv1,
			strategy: StrategyTextToken,
		},
		{
			name:     "token matches padded number on paid invoice",
			mutate:   func(in *Input, _ *Snapshot) { in.Text = "ya pagué la INV-7" },
			want:     f.paid,
			strategy: StrategyTextToken,
		},
		{
			name: "extracted number when text has no token",
			mutate: func(in *Input, _ *Snapshot) {
				in.Text = "sobre la primera"
				in.ExtractedInvoiceNumber = "1"
			},
			want:     f.inv1,
			strategy: StrategyExtracted,
		},
		{
			name: "reply thread",
			mutate: func(in *Input, s *Snapshot) {
				in.InReplyTo = "wamid.1"
				s.Replied = &db.ContactEvent{TenantID: f.tenant, CustomerID: f.customer, InvoiceID: &f.inv1.ID}
			},
			want:     f.inv1,
			strategy: StrategyReplyThread,
		},
		{
			name: "reply thread of another customer is ignored",
			mutate: func(in *Input, s *Snapshot) {
				in.InReplyTo = "wamid.1"
				s.Replied = &db.ContactEvent{TenantID: f.tenant, CustomerID: uuid.New(), InvoiceID: &f.inv1.ID}
			},
			want:     f.inv2,
			strategy: StrategyFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, snap := f.input(), f.snapshot()
			tt.mutate(&in, &snap)

			res := Resolve(in, snap)
			require.True(t, res.Correlated())
			assert.Equal(t, tt.want.ID, *res.InvoiceID)
			assert.Equal(t, tt.strategy, res.Strategy)
		})
	}
}

func TestResolve_NoOpenInvoices(t *testing.T) {
	f := newFixture()
	res := Resolve(f.input(), Snapshot{Invoices: []*db.Invoice{f.paid}})
	assert.False(t, res.Correlated())
	assert.Equal(t, StrategyNone, res.Strategy)
}

func TestExtractInvoiceRefs(t *testing.T) {
	tests := map[string][]string{
		"ref #2":                       {"2"},
		"Factura 0012 y fact. 13":      {"0012", "13"},
		"INV-42, invoice: 43, #42":     {"42", "43"},
		"pagaré el 15 de marzo":        nil,
		"no tengo plata":               nil,
		"te mando el comprobante #991": {"991"},
	}
	for text, want := range tests {
		assert.Equal(t, want, ExtractInvoiceRefs(text), text)
	}
}

type fakeLookup struct {
	invoices []*db.Invoice
	events   map[string]*db.ContactEvent
}

func (f *fakeLookup) ListCustomerInvoices(ctx context.Context, tenantID, customerID uuid.UUID) ([]*db.Invoice, error) {
	return f.invoices, nil
}

func (f *fakeLookup) FindEventByExternalID(ctx context.Context, tenantID uuid.UUID, id string) (*db.ContactEvent, error) {
	if ev, ok := f.events[id]; ok {
		return ev, nil
	}
	return nil, db.ErrNotFound
}

func TestEngine_Correlate(t *testing.T) {
	f := newFixture()
	lookup := &fakeLookup{
		invoices: f.snapshot().Invoices,
		events: map[string]*db.ContactEvent{
			"msg-1": {TenantID: f.tenant, CustomerID: f.customer, InvoiceID: &f.inv1.ID},
		},
	}
	engine := NewEngine(lookup, zap.NewNop())

	in := f.input()
	in.InReplyTo = "msg-1"
	res, err := engine.Correlate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StrategyReplyThread, res.Strategy)

	in.InReplyTo = "unknown"
	res, err = engine.Correlate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StrategyFallback, res.Strategy)
	assert.Equal(t, f.inv2.ID, *res.InvoiceID)
}
