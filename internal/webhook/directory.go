package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/correlation"
	"github.com/lalithlochan/dunning/internal/db"
)

// CustomerLister loads the customers of a tenant that have a phone.
type CustomerLister interface {
	ListCustomersWithPhone(ctx context.Context, tenantID uuid.UUID) ([]*db.Customer, error)
}

// PhoneDirectory resolves phone numbers to customers. Candidate lists are
// cached per tenant.
type PhoneDirectory struct {
	store  CustomerLister
	cache  *cache.Cache
	logger *zap.Logger
}

// NewPhoneDirectory creates a directory whose tenant snapshots live for ttl.
func NewPhoneDirectory(store CustomerLister, ttl time.Duration, logger *zap.Logger) *PhoneDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PhoneDirectory{
		store:  store,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// Lookup returns the customer that owns phone. A miss against a cached
// snapshot reloads it once so new customers are found.
func (d *PhoneDirectory) Lookup(ctx context.Context, tenantID uuid.UUID, phone string) (uuid.UUID, error) {
	candidates, cached, err := d.candidates(ctx, tenantID)
	if err != nil {
		return uuid.Nil, err
	}

	match, ok := correlation.MatchCustomerByPhone(candidates, phone)
	if !ok && cached {
		d.cache.Delete(tenantID.String())
		if candidates, _, err = d.candidates(ctx, tenantID); err != nil {
			return uuid.Nil, err
		}
		match, ok = correlation.MatchCustomerByPhone(candidates, phone)
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: no customer with phone %q", ErrUnknownReference, phone)
	}

	if match.Ambiguous() {
		ids := make([]string, len(match.Candidates))
		for i, id := range match.Candidates {
			ids[i] = id.String()
		}
		d.logger.Warn("phone matches several customers",
			zap.String("tenant_id", tenantID.String()),
			zap.String("phone", phone),
			zap.Strings("candidates", ids),
			zap.String("chosen", match.CustomerID.String()),
		)
	}
	if !match.Exact {
		d.logger.Info("phone matched by containment",
			zap.String("tenant_id", tenantID.String()),
			zap.String("customer_id", match.CustomerID.String()),
		)
	}
	return match.CustomerID, nil
}

func (d *PhoneDirectory) candidates(ctx context.Context, tenantID uuid.UUID) ([]correlation.PhoneCandidate, bool, error) {
	key := tenantID.String()
	if v, ok := d.cache.Get(key); ok {
		return v.([]correlation.PhoneCandidate), true, nil
	}

	customers, err := d.store.ListCustomersWithPhone(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("list customers with phone: %w", err)
	}
	out := make([]correlation.PhoneCandidate, 0, len(customers))
	for _, c := range customers {
		if c.Phone == nil {
			continue
		}
		out = append(out, correlation.PhoneCandidate{CustomerID: c.ID, Phone: *c.Phone})
	}
	d.cache.Set(key, out, cache.DefaultExpiration)
	return out, false, nil
}
