// Package correlation links inbound customer messages to the invoice they
// are about and identifies customers by phone number.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// Strategy names the rule that produced a correlation.
type Strategy string

const (
	StrategyExplicit    Strategy = "explicit"
	StrategyTextToken   Strategy = "text_token"
	StrategyExtracted   Strategy = "extracted_data"
	StrategyReplyThread Strategy = "reply_thread"
	StrategyFallback    Strategy = "open_invoice_fallback"
	StrategyNone        Strategy = "none"
)

// Input describes one inbound message for an already identified customer.
type Input struct {
	TenantID               uuid.UUID
	CustomerID             uuid.UUID
	InvoiceID              *uuid.UUID
	Text                   string
	ExtractedInvoiceNumber string
	// InReplyTo is the provider message id the inbound message answers.
	InReplyTo string
}

// Snapshot is the tenant data the rules run against.
type Snapshot struct {
	// Invoices owned by the customer.
	Invoices []*db.Invoice
	// Replied is the outbound event matching Input.InReplyTo, if any.
	Replied *db.ContactEvent
}

// Result of a correlation. InvoiceID is nil when nothing matched.
type Result struct {
	InvoiceID *uuid.UUID
	Strategy  Strategy
}

// Correlated reports whether an invoice was found.
func (r Result) Correlated() bool { return r.InvoiceID != nil }

// Resolve applies the rules in priority order; the first match wins:
// explicit invoice id, invoice token in the text, extracted invoice number,
// reply thread, then the open invoice with the latest due date.
func Resolve(in Input, snap Snapshot) Result {
	if in.InvoiceID != nil {
		if inv := findByID(snap.Invoices, *in.InvoiceID); inv != nil {
			return found(inv.ID, StrategyExplicit)
		}
	}

	for _, ref := range ExtractInvoiceRefs(in.Text) {
		if inv := findByNumber(snap.Invoices, ref); inv != nil {
			return found(inv.ID, StrategyTextToken)
		}
	}

	if in.ExtractedInvoiceNumber != "" {
		if inv := findByNumber(snap.Invoices, in.ExtractedInvoiceNumber); inv != nil {
			return found(inv.ID, StrategyExtracted)
		}
	}

	if ev := snap.Replied; ev != nil && ev.InvoiceID != nil &&
		ev.TenantID == in.TenantID && ev.CustomerID == in.CustomerID {
		return found(*ev.InvoiceID, StrategyReplyThread)
	}

	if inv := latestOpen(snap.Invoices); inv != nil {
		return found(inv.ID, StrategyFallback)
	}

	return Result{Strategy: StrategyNone}
}

func found(id uuid.UUID, s Strategy) Result {
	return Result{InvoiceID: &id, Strategy: s}
}

func findByID(invoices []*db.Invoice, id uuid.UUID) *db.Invoice {
	for _, inv := range invoices {
		if inv.ID == id {
			return inv
		}
	}
	return nil
}

func findByNumber(invoices []*db.Invoice, ref string) *db.Invoice {
	for _, inv := range invoices {
		if MatchInvoiceNumber(inv.Number, ref) {
			return inv
		}
	}
	return nil
}

// latestOpen picks among OPEN, OVERDUE and PARTIAL invoices the one with the
// latest due date.
func latestOpen(invoices []*db.Invoice) *db.Invoice {
	var open []*db.Invoice
	for _, inv := range invoices {
		switch inv.Status {
		case db.InvoiceStatusOpen, db.InvoiceStatusOverdue, db.InvoiceStatusPartial:
			open = append(open, inv)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sort.SliceStable(open, func(i, j int) bool {
		if !open[i].DueDate.Equal(open[j].DueDate) {
			return open[i].DueDate.After(open[j].DueDate)
		}
		return open[i].CreatedAt.After(open[j].CreatedAt)
	})
	return open[0]
}

// Lookup loads the tenant data Resolve needs.
type Lookup interface {
	ListCustomerInvoices(ctx context.Context, tenantID, customerID uuid.UUID) ([]*db.Invoice, error)
	FindEventByExternalID(ctx context.Context, tenantID uuid.UUID, externalMessageID string) (*db.ContactEvent, error)
}

// Engine loads a Snapshot and runs Resolve.
type Engine struct {
	lookup Lookup
	logger *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(lookup Lookup, logger *zap.Logger) *Engine {
	return &Engine{lookup: lookup, logger: logger}
}

// Correlate finds the invoice an inbound message refers to.
func (e *Engine) Correlate(ctx context.Context, in Input) (Result, error) {
	ctx, span := otel.Tracer("correlation").Start(ctx, "correlate")
	defer span.End()

	invoices, err := e.lookup.ListCustomerInvoices(ctx, in.TenantID, in.CustomerID)
	if err != nil {
		return Result{}, fmt.Errorf("list customer invoices: %w", err)
	}

	snap := Snapshot{Invoices: invoices}
	if in.InReplyTo != "" {
		ev, err := e.lookup.FindEventByExternalID(ctx, in.TenantID, in.InReplyTo)
		switch {
		case err == nil:
			snap.Replied = ev
		case errors.Is(err, db.ErrNotFound):
		default:
			return Result{}, fmt.Errorf("find replied event: %w", err)
		}
	}

	res := Resolve(in, snap)
	span.SetAttributes(attribute.String("correlation.strategy", string(res.Strategy)))
	e.logger.Debug("inbound message correlated",
		zap.String("tenant_id", in.TenantID.String()),
		zap.String("customer_id", in.CustomerID.String()),
		zap.String("strategy", string(res.Strategy)),
	)
	return res, nil
}
