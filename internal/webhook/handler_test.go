package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/api"
	"github.com/lalithlochan/dunning/internal/correlation"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/redis"
)

const testSecret = "whsec_test"

type fixture struct {
	store  *memStore
	router http.Handler
	tenant uuid.UUID
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T, secrets Secrets) *fixture {
	t.Helper()
	return newFixtureFor(t, uuid.New(), secrets)
}

func newFixtureFor(t *testing.T, tenant uuid.UUID, secrets Secrets) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zap.NewNop()
	store := newMemStore()
	claims := redis.NewIdempotencyService(redis.Wrap(rdb, logger), logger)
	svc := NewService(store, claims, correlation.NewEngine(store, logger),
		NewPhoneDirectory(store, time.Minute, logger), time.Hour, logger)

	r := chi.NewRouter()
	NewHandler(svc, secrets, logger).Routes(r)
	return &fixture{store: store, router: r, tenant: tenant, mr: mr}
}

func defaultSecrets() Secrets { return Secrets{Global: testSecret} }

// post sends body signed with testSecret.
func (f *fixture) post(t *testing.T, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return f.postRaw(path, raw, headers)
}

func (f *fixture) postRaw(path string, raw []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(testSecret, raw))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func status(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Status
}

func (f *fixture) settled(customerID uuid.UUID, eventID string) map[string]interface{} {
	return map[string]interface{}{
		"eventId":    eventID,
		"tenantId":   f.tenant.String(),
		"paymentId":  "pay_" + eventID,
		"customerId": customerID.String(),
		"amount":     1500.5,
		"currency":   "ARS",
		"settledAt":  "2025-03-01T12:00:00Z",
	}
}

func TestPaymentSettled_DuplicateDelivery(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")
	body := f.settled(c.ID, "evt_1")

	first := f.post(t, "/webhooks/payment-settled", body, nil)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "ok", status(t, first))

	second := f.post(t, "/webhooks/payment-settled", body, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "duplicate", status(t, second))

	assert.Len(t, f.store.payments, 1)
	assert.True(t, f.mr.Exists(redis.ClaimKey(EventPaymentSettled, "evt_1")))
	ttl := f.mr.TTL(redis.ClaimKey(EventPaymentSettled, "evt_1"))
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestPaymentSettled_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")
	raw, err := json.Marshal(f.settled(c.ID, "evt_race"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = f.postRaw("/webhooks/payment-settled", raw, nil).Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Len(t, f.store.payments, 1)
}

func TestSignatureRejection(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")
	raw, err := json.Marshal(f.settled(c.ID, "evt_sig"))
	require.NoError(t, err)
	sig := Sign(testSecret, raw)
	tampered := bytes.Replace(raw, []byte("1500.5"), []byte("1.5"), 1)

	tests := []struct {
		name string
		body []byte
		sig  string
	}{
		{"missing signature", raw, ""},
		{"tampered body", tampered, sig},
		{"garbage signature", raw, "not-hex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhooks/payment-settled", bytes.NewReader(tt.body))
			if tt.sig != "" {
				req.Header.Set(SignatureHeader, tt.sig)
			}
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, f.store.payments)
			assert.False(t, f.mr.Exists(redis.ClaimKey(EventPaymentSettled, "evt_sig")))
		})
	}
}

func TestMissingSecretFailsClosed(t *testing.T) {
	f := newFixture(t, Secrets{})
	c := f.store.addCustomer(f.tenant, "", "")

	rec := f.post(t, "/webhooks/payment-settled", f.settled(c.ID, "evt_nosecret"), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.store.payments)
}

func TestTenantSecret(t *testing.T) {
	tenant := uuid.New()
	f := newFixtureFor(t, tenant, Secrets{Tenants: map[uuid.UUID]string{tenant: testSecret}})
	c := f.store.addCustomer(tenant, "", "")

	ok := f.post(t, "/webhooks/payment-settled", f.settled(c.ID, "evt_t1"), map[string]string{TenantHeader: tenant.String()})
	assert.Equal(t, http.StatusOK, ok.Code, ok.Body.String())

	// no header selects the global secret, which is not configured
	noHeader := f.post(t, "/webhooks/payment-settled", f.settled(c.ID, "evt_t2"), nil)
	assert.Equal(t, http.StatusInternalServerError, noHeader.Code)
	assert.Len(t, f.store.payments, 1)
}

func TestTenantMismatch(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")

	rec := f.post(t, "/webhooks/payment-settled", f.settled(c.ID, "evt_t3"), map[string]string{TenantHeader: uuid.NewString()})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.store.payments)
}

func TestSchemaValidation(t *testing.T) {
	f := newFixture(t, defaultSecrets())

	rec := f.post(t, "/webhooks/payment-settled", map[string]interface{}{
		"eventId":    "evt_bad",
		"tenantId":   "not-a-uuid",
		"paymentId":  "pay_1",
		"customerId": uuid.NewString(),
		"amount":     0,
		"currency":   "ars",
		"settledAt":  "2025-03-01T12:00:00Z",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var problem api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	var fields []string
	for _, fe := range problem.Errors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"tenantId", "amount", "currency"}, fields)

	unknown := f.post(t, "/webhooks/payment-settled", map[string]interface{}{"eventId": "x", "surprise": true}, nil)
	assert.Equal(t, http.StatusBadRequest, unknown.Code)
	assert.Empty(t, f.store.payments)
}

func TestPaymentApplied(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")
	inv := &db.Invoice{ID: uuid.New(), TenantID: f.tenant, CustomerID: c.ID, Number: "7", Status: db.InvoiceStatusOpen, Amount: 100}
	f.store.addInvoice(inv)

	body := map[string]interface{}{
		"eventId":   "app_1",
		"tenantId":  f.tenant.String(),
		"paymentId": "pay_1",
		"invoiceId": inv.ID.String(),
		"amount":    40,
	}
	rec := f.post(t, "/webhooks/payment-applied", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.store.applications, 1)
	assert.Equal(t, "app_1", f.store.applications[0].ExternalID)
	assert.Equal(t, "pay_1", f.store.applications[0].PaymentExternalID)

	body["eventId"] = "app_2"
	body["invoiceId"] = uuid.NewString()
	missing := f.post(t, "/webhooks/payment-applied", body, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.False(t, f.mr.Exists(redis.ClaimKey(EventPaymentApplied, "app_2")))
}

func seedInvoices(f *fixture, customerID uuid.UUID) (inv1, inv2 *db.Invoice) {
	inv1 = &db.Invoice{ID: uuid.New(), TenantID: f.tenant, CustomerID: customerID, Number: "1",
		Status: db.InvoiceStatusOpen, DueDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)}
	inv2 = &db.Invoice{ID: uuid.New(), TenantID: f.tenant, CustomerID: customerID, Number: "2",
		Status: db.InvoiceStatusOverdue, DueDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	f.store.addInvoice(inv1)
	f.store.addInvoice(inv2)
	return inv1, inv2
}

func TestInbound_Correlation(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "ana@example.com", "5491123456789")
	inv1, inv2 := seedInvoices(f, c.ID)

	tests := []struct {
		name         string
		body         map[string]interface{}
		wantInvoice  uuid.UUID
		wantStrategy correlation.Strategy
	}{
		{
			name: "token in text by phone",
			body: map[string]interface{}{
				"channel":     "chat",
				"from":        "+54 9 11 2345-6789",
				"messageText": "pago la ref #1 mañana",
				"metadata":    map[string]string{"messageId": "wamid.1"},
			},
			wantInvoice:  inv1.ID,
			wantStrategy: correlation.StrategyTextToken,
		},
		{
			name: "fallback by email",
			body: map[string]interface{}{
				"channel":     "email",
				"from":        "ana@example.com",
				"messageText": "ya pagué",
				"metadata":    map[string]string{"messageId": "<m2@mail>"},
			},
			wantInvoice:  inv2.ID,
			wantStrategy: correlation.StrategyFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.body["tenantId"] = f.tenant.String()
			rec := f.post(t, "/webhooks/inbound", tt.body, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp InboundResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, c.ID, resp.CustomerID)
			assert.True(t, resp.Correlated)
			require.NotNil(t, resp.InvoiceID)
			assert.Equal(t, tt.wantInvoice, *resp.InvoiceID)
			assert.Equal(t, string(tt.wantStrategy), resp.Strategy)
			assert.NotEqual(t, uuid.Nil, resp.EventID)
		})
	}

	require.Equal(t, 2, f.store.eventCount())
	for _, ev := range f.store.events {
		assert.Equal(t, db.DirectionInbound, ev.Direction)
		assert.Equal(t, db.EventStatusDelivered, ev.Status)
	}
}

func TestInbound_UnknownSenderIsNotClaimed(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	body := map[string]interface{}{
		"tenantId":    f.tenant.String(),
		"channel":     "chat",
		"from":        "1155550000",
		"messageText": "hola",
		"timestamp":   "2025-03-01T12:00:00Z",
	}

	rec := f.post(t, "/webhooks/inbound", body, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// the customer shows up later; the same message is now processed
	f.store.addCustomer(f.tenant, "", "+54 11 5555-0000")
	rec = f.post(t, "/webhooks/inbound", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InboundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Correlated)
	assert.Nil(t, resp.InvoiceID)
	assert.Equal(t, string(correlation.StrategyNone), resp.Strategy)

	dup := f.post(t, "/webhooks/inbound", body, nil)
	assert.Equal(t, "duplicate", status(t, dup))
	assert.Equal(t, 1, f.store.eventCount())
}

func TestFailedEventStaysClaimedUntilReplay(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")
	body := map[string]interface{}{
		"tenantId":    f.tenant.String(),
		"channel":     "chat",
		"customerId":  c.ID.String(),
		"messageText": "hola",
		"metadata":    map[string]string{"messageId": "wamid.fail"},
	}

	f.store.failAppend = true
	rec := f.post(t, "/webhooks/inbound", body, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	f.store.failAppend = false
	retry := f.post(t, "/webhooks/inbound", body, nil)
	assert.Equal(t, "duplicate", status(t, retry))
	assert.Equal(t, 0, f.store.eventCount())

	replay := f.post(t, "/webhooks/replay", map[string]string{"eventType": EventInbound, "eventId": "wamid.fail"}, nil)
	require.Equal(t, http.StatusOK, replay.Code, replay.Body.String())

	again := f.post(t, "/webhooks/inbound", body, nil)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, 1, f.store.eventCount())

	done := f.post(t, "/webhooks/replay", map[string]string{"eventType": EventInbound, "eventId": "wamid.fail"}, nil)
	assert.Equal(t, http.StatusConflict, done.Code)
}

func TestDeliveryStatus(t *testing.T) {
	f := newFixture(t, defaultSecrets())
	c := f.store.addCustomer(f.tenant, "", "")
	ext := "call_123"
	f.store.events = append(f.store.events, &db.ContactEvent{
		ID: uuid.New(), TenantID: f.tenant, CustomerID: c.ID, Channel: db.ChannelVoice,
		Direction: db.DirectionOutbound, Status: db.EventStatusSent, ExternalMessageID: &ext,
	})

	rec := f.post(t, "/webhooks/delivery-status", map[string]interface{}{
		"eventId":           "ds_1",
		"tenantId":          f.tenant.String(),
		"externalMessageId": ext,
		"status":            "DELIVERED",
		"transcript":        "el cliente promete pagar",
		"durationSeconds":   42,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev := f.store.events[0]
	assert.Equal(t, db.EventStatusDelivered, ev.Status)
	var patch map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.Payload, &patch))
	assert.Equal(t, "el cliente promete pagar", patch["transcript"])

	unknown := f.post(t, "/webhooks/delivery-status", map[string]interface{}{
		"eventId":           "ds_2",
		"tenantId":          f.tenant.String(),
		"externalMessageId": "nope",
	}, nil)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}
