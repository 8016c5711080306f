package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

type fakeStripe struct {
	mu       sync.Mutex
	requests []string
	forms    map[string]map[string][]string
	handlers map[string]string
	status   map[string]int
}

func newFakeStripe(t *testing.T) (*fakeStripe, *Provider) {
	t.Helper()
	f := &fakeStripe{
		forms:    make(map[string]map[string][]string),
		handlers: make(map[string]string),
		status:   make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		f.requests = append(f.requests, key)
		f.forms[key] = r.PostForm
		body, ok := f.handlers[key]
		code := f.status[key]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no such route"}}`))
			return
		}
		if code == 0 {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	p := NewProvider(Config{SecretKey: "sk_test_123", WebhookSecret: "whsec_test", BackendURL: srv.URL}, zap.NewNop())
	return f, p
}

func (f *fakeStripe) on(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = body
}

func (f *fakeStripe) fail(key string, code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = body
	f.status[key] = code
}

func (f *fakeStripe) seen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == key {
			return true
		}
	}
	return false
}

func (f *fakeStripe) form(key string) map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[key]
}

func TestCreateChargeIntent_CreatesCustomerWhenMissing(t *testing.T) {
	f, p := newFakeStripe(t)
	f.on("GET /v1/customers", `{"object":"list","data":[],"has_more":false,"url":"/v1/customers"}`)
	f.on("POST /v1/customers", `{"id":"cus_new","object":"customer","email":"ada@example.com"}`)
	f.on("POST /v1/payment_intents", `{"id":"pi_1","object":"payment_intent","amount":5000,"description":"Badge","receipt_email":"ada@example.com","client_secret":"pi_1_secret","status":"requires_payment_method"}`)

	intent, err := p.CreateChargeIntent(context.Background(), 5000, "Badge", usecase.CustomerRef{Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, "cus_new", intent.CustomerID)
	assert.Equal(t, "pi_1_secret", intent.ClientSecret)

	form := f.form("POST /v1/payment_intents")
	assert.Equal(t, []string{"5000"}, form["amount"])
	assert.Equal(t, []string{"usd"}, form["currency"])
	assert.Equal(t, []string{"cus_new"}, form["customer"])
}

func TestCreateChargeIntent_ReusesCustomer(t *testing.T) {
	f, p := newFakeStripe(t)
	f.on("GET /v1/customers", `{"object":"list","data":[{"id":"cus_old","object":"customer"}],"has_more":false,"url":"/v1/customers"}`)
	f.on("POST /v1/payment_intents", `{"id":"pi_2","object":"payment_intent","amount":100}`)

	intent, err := p.CreateChargeIntent(context.Background(), 100, "Donation", usecase.CustomerRef{Email: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "cus_old", intent.CustomerID)
	assert.False(t, f.seen("POST /v1/customers"))
}

func TestCreateChargeIntent_ServerErrorIsConnectivity(t *testing.T) {
	f, p := newFakeStripe(t)
	f.fail("POST /v1/payment_intents", http.StatusServiceUnavailable, `{"error":{"type":"api_error","message":"down"}}`)

	_, err := p.CreateChargeIntent(context.Background(), 100, "Donation", usecase.CustomerRef{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnectivity))
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestStatus_IntentSucceeded(t *testing.T) {
	f, p := newFakeStripe(t)
	f.on("GET /v1/payment_intents/pi_1", `{"id":"pi_1","object":"payment_intent","amount":5000,"status":"succeeded",
		"latest_charge":{"id":"ch_1","object":"charge","amount":5000,"amount_captured":5000,"created":1700000000,"status":"succeeded",
		"payment_method_details":{"card":{"last4":"4242"}},"billing_details":{"address":{"postal_code":"20001"}}}}`)

	status, err := p.Status(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, usecase.StateRefundable, status.State)
	assert.Equal(t, "ch_1", status.ChargeID)
	assert.Equal(t, "4242", status.CardLast4)
	assert.Equal(t, "20001", status.Zip)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), status.SubmittedAt)
}

func TestStatus_ChargeRefunded(t *testing.T) {
	f, p := newFakeStripe(t)
	f.on("GET /v1/charges/ch_9", `{"id":"ch_9","object":"charge","amount":5000,"status":"succeeded","refunded":true}`)

	status, err := p.Status(context.Background(), "ch_9")
	require.NoError(t, err)
	assert.Equal(t, usecase.StateInvalid, status.State)
}

func TestRefund_ByCharge(t *testing.T) {
	f, p := newFakeStripe(t)
	f.on("POST /v1/refunds", `{"id":"re_1","object":"refund","amount":2000}`)

	res, err := p.Refund(context.Background(), "ch_1", 2000)
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.RefundID)

	form := f.form("POST /v1/refunds")
	assert.Equal(t, []string{"ch_1"}, form["charge"])
	assert.Equal(t, []string{"2000"}, form["amount"])
	assert.Equal(t, []string{"requested_by_customer"}, form["reason"])
}

func TestCharge_CardDeclined(t *testing.T) {
	f, p := newFakeStripe(t)
	f.fail("POST /v1/payment_intents/pi_1/confirm", http.StatusPaymentRequired,
		`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)

	res, err := p.Charge(context.Background(), &domain.PaymentIntent{ID: "pi_1"}, usecase.PaymentDetails{Token: "pm_card"})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "Your card was declined.", res.Message)
}

func sign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseWebhook(t *testing.T) {
	_, p := newFakeStripe(t)
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",
		"data":{"object":{"id":"pi_1","object":"payment_intent","latest_charge":"ch_1"}}}`)
	now := time.Now().Unix()

	ev, err := p.ParseWebhook(payload, sign("whsec_test", now, payload))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", ev.IntentID)
	assert.Equal(t, "ch_1", ev.ChargeID)

	_, err = p.ParseWebhook(payload, sign("wrong", now, payload))
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	other := []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{}}}`)
	_, err = p.ParseWebhook(other, sign("whsec_test", now, other))
	assert.ErrorIs(t, err, ErrUnhandledEvent)

	noCharge := []byte(`{"id":"evt_3","object":"event","type":"payment_intent.succeeded",
		"data":{"object":{"id":"pi_2","object":"payment_intent"}}}`)
	ev, err = p.ParseWebhook(noCharge, sign("whsec_test", now, noCharge))
	assert.ErrorIs(t, err, ErrUnhandledEvent)
	assert.Equal(t, "pi_2", ev.IntentID)
	assert.Empty(t, ev.ChargeID)
}
