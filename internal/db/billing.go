package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const customerColumns = `id, tenant_id, name, email, phone, created_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomer loads a tenant's customer.
func (r *Repository) GetCustomer(ctx context.Context, tenantID, id uuid.UUID) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1 AND tenant_id = $2`

	c, err := scanCustomer(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}
	return c, nil
}

// FindCustomerByEmail matches case-insensitively within a tenant.
func (r *Repository) FindCustomerByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*Customer, error) {
	query := `SELECT ` + customerColumns + `
		FROM customers
		WHERE tenant_id = $1 AND lower(email) = lower($2)
		ORDER BY created_at
		LIMIT 1
	`

	c, err := scanCustomer(r.db.Pool().QueryRow(ctx, query, tenantID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer with email: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer by email: %w", err)
	}
	return c, nil
}

// ListCustomersWithPhone returns every customer of a tenant that has a phone.
func (r *Repository) ListCustomersWithPhone(ctx context.Context, tenantID uuid.UUID) ([]*Customer, error) {
	query := `SELECT ` + customerColumns + `
		FROM customers
		WHERE tenant_id = $1 AND phone IS NOT NULL AND phone <> ''
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

const invoiceColumns = `id, tenant_id, customer_id, number, status, amount, currency, due_date, created_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.TenantID,
		&inv.CustomerID,
		&inv.Number,
		&inv.Status,
		&inv.Amount,
		&inv.Currency,
		&inv.DueDate,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoice loads a tenant's invoice.
func (r *Repository) GetInvoice(ctx context.Context, tenantID, id uuid.UUID) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 AND tenant_id = $2`

	inv, err := scanInvoice(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}
	return inv, nil
}

// ListCustomerInvoices returns a customer's invoices, latest due date first.
func (r *Repository) ListCustomerInvoices(ctx context.Context, tenantID, customerID uuid.UUID) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY due_date DESC, created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// UpsertSettledPayment records a settled payment, creating it if the
// provider never announced it before.
func (r *Repository) UpsertSettledPayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = PaymentStatusSettled

	query := `
		INSERT INTO payments (id, tenant_id, customer_id, external_id, amount, currency, status, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, external_id) DO UPDATE
		SET customer_id = EXCLUDED.customer_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			settled_at = EXCLUDED.settled_at
		RETURNING id, created_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		p.ID, p.TenantID, p.CustomerID, p.ExternalID, p.Amount, p.Currency, p.Status, p.SettledAt,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert payment: %w", err)
	}

	r.logger.Info("payment settled",
		zap.String("payment_id", p.ID.String()),
		zap.String("tenant_id", p.TenantID.String()),
		zap.String("external_id", p.ExternalID),
	)
	return nil
}

// ApplyPaymentParams describes a payment-applied event.
type ApplyPaymentParams struct {
	TenantID          uuid.UUID
	InvoiceID         uuid.UUID
	PaymentExternalID string
	ExternalID        string
	Amount            float64
	Currency          string
	AppliedAt         time.Time
}

// ApplyPayment allocates a payment to an invoice and recomputes the invoice
// status from everything applied to it. A payment not seen yet is created
// as PENDING. Re-applying the same ExternalID is a no-op.
func (r *Repository) ApplyPayment(ctx context.Context, p ApplyPaymentParams) (*Invoice, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := scanInvoice(tx.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		p.InvoiceID, p.TenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", p.InvoiceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}

	currency := p.Currency
	if currency == "" {
		currency = inv.Currency
	}

	var paymentID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO payments (id, tenant_id, customer_id, external_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id
	`, uuid.New(), p.TenantID, inv.CustomerID, p.PaymentExternalID, p.Amount, currency).Scan(&paymentID)
	if err != nil {
		return nil, fmt.Errorf("ensure payment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_applications (id, tenant_id, payment_id, invoice_id, external_id, amount, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, external_id) DO NOTHING
	`, uuid.New(), p.TenantID, paymentID, inv.ID, p.ExternalID, p.Amount, p.AppliedAt)
	if err != nil {
		return nil, fmt.Errorf("insert payment application: %w", err)
	}

	inv, err = scanInvoice(tx.QueryRow(ctx, `
		WITH applied AS (
			SELECT COALESCE(SUM(amount), 0) AS total FROM payment_applications WHERE invoice_id = $1
		)
		UPDATE invoices i
		SET status = CASE
			WHEN i.status = 'CANCELLED' THEN i.status
			WHEN applied.total >= i.amount THEN 'PAID'
			WHEN applied.total > 0 THEN 'PARTIAL'
			ELSE i.status
		END
		FROM applied
		WHERE i.id = $1
		RETURNING i.id, i.tenant_id, i.customer_id, i.number, i.status, i.amount, i.currency, i.due_date, i.created_at
	`, inv.ID))
	if err != nil {
		return nil, fmt.Errorf("update invoice status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("payment applied",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("tenant_id", p.TenantID.String()),
		zap.String("status", inv.Status),
	)
	return inv, nil
}
