package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clubpass/membersync/internal/store"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	liveSecret = "whsec_live_secret"
	testSecret = "whsec_test_secret"
)

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func newTestHandler(t *testing.T) (*Handler, *store.UserStore) {
	t.Helper()
	users := newTestStore(t)
	p := newTestProcessor(users, &fakeBilling{}, nil)
	return NewHandler([]string{liveSecret, testSecret}, p), users
}

func checkoutPayload(email string, amount int64) string {
	return `{"id":"evt_1","object":"event","type":"checkout.session.completed",` +
		`"data":{"object":{"id":"cs_1","customer_email":"` + email + `","amount_total":` +
		jsonInt(amount) + `}}}`
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestWebhookAcceptsSignedDelivery(t *testing.T) {
	handler, users := newTestHandler(t)
	account := createUser(t, users, &store.UserAccount{Email: "buyer@example.com"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, liveSecret, checkoutPayload("buyer@example.com", 1000)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want=%d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp receivedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Received {
		t.Error("response did not acknowledge the delivery")
	}
	if resp.Skipped != "" {
		t.Errorf("skipped = %q on a processed delivery", resp.Skipped)
	}

	got, err := users.GetUserByID(account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != store.RoleCommunity {
		t.Errorf("role = %q, want community", got.Role)
	}
}

func TestWebhookAcceptsSecondSecret(t *testing.T) {
	handler, users := newTestHandler(t)
	createUser(t, users, &store.UserAccount{Email: "buyer@example.com"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, checkoutPayload("buyer@example.com", 1000)))
	if rec.Code != http.StatusOK {
		t.Fatalf("second secret rejected: status=%d, body=%q", rec.Code, rec.Body.String())
	}
}

func TestWebhookRejectsUnknownSecret(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong", checkoutPayload("buyer@example.com", 1000)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook",
		bytes.NewReader([]byte(checkoutPayload("buyer@example.com", 1000))))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want=%d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestWebhookWithoutSecretsIsUnavailable(t *testing.T) {
	users := newTestStore(t)
	handler := NewHandler([]string{" ", ""}, newTestProcessor(users, nil, nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, liveSecret, checkoutPayload("buyer@example.com", 1000)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want=%d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestWebhookAcknowledgesUnhandledEventType(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload := `{"id":"evt_2","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1"}}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, liveSecret, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("unhandled event type must be acknowledged: status=%d, body=%q", rec.Code, rec.Body.String())
	}
}

func TestWebhookUnknownAccountIsAcknowledged(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, liveSecret, checkoutPayload("stranger@example.com", 1000)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown account must not trigger retries: status=%d, body=%q", rec.Code, rec.Body.String())
	}

	var resp receivedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Skipped != string(SkipNoAccount) {
		t.Errorf("skipped = %q, want %q", resp.Skipped, SkipNoAccount)
	}
}

func TestWebhookNoEmailIsAcknowledgedWithIndicator(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload := `{"id":"evt_3","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","amount_total":1000}}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, liveSecret, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want=%d, body=%q", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp receivedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Skipped != string(SkipNoEmail) {
		t.Errorf("skipped = %q, want %q", resp.Skipped, SkipNoEmail)
	}
}

func TestWebhookStoreFailureReturnsServerError(t *testing.T) {
	users := newTestStore(t)
	createUser(t, users, &store.UserAccount{Email: "buyer@example.com"})
	p := newTestProcessor(&failingUsers{UserDirectory: users}, nil, nil)
	handler := NewHandler([]string{liveSecret}, p)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, liveSecret, checkoutPayload("buyer@example.com", 1000)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want=%d, body=%q", rec.Code, http.StatusInternalServerError, rec.Body.String())
	}
}
