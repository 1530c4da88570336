package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
)

// EventType classifies the inbound provider events this pipeline handles.
type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventInvoicePaid       EventType = "invoice.paid"
)

// SkipReason explains why a delivery produced no side effects. Skipped
// deliveries are still acknowledged with HTTP 200.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipUnsupported SkipReason = "unsupported_event"
	SkipNoEmail     SkipReason = "no_email"
	SkipNoAccount   SkipReason = "account_not_found"
)

// PurchaseEvent is the canonical purchase record extracted from one inbound
// delivery. Never persisted; consumed synchronously.
type PurchaseEvent struct {
	Type           EventType
	LiveMode       bool
	CustomerEmail  string
	PriceID        string // empty when unresolvable; amount fallback applies
	AmountCents    int64  // 0 when absent
	ReferralCode   string // empty when none was presented
	CustomerID     string
	SubscriptionID string
}

// checkoutSession is a minimal representation of a checkout.session.completed
// payload.
type checkoutSession struct {
	ID              string `json:"id"`
	Mode            string `json:"mode"`
	LiveMode        bool   `json:"livemode"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	AmountTotal  int64             `json:"amount_total"`
	Metadata     map[string]string `json:"metadata"`
	CustomFields []struct {
		Key   string `json:"key"`
		Label struct {
			Custom string `json:"custom"`
		} `json:"label"`
		Text struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"custom_fields"`
}

// invoice is a minimal representation of an invoice.paid payload.
type invoice struct {
	ID            string `json:"id"`
	LiveMode      bool   `json:"livemode"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Lines         struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

// Normalizer extracts a canonical PurchaseEvent from a raw provider event,
// using the billing collaborator for price and email lookups that aren't on
// the payload itself.
type Normalizer struct {
	billing BillingClient
}

// NewNormalizer creates an event normalizer.
func NewNormalizer(billing BillingClient) *Normalizer {
	return &Normalizer{billing: billing}
}

// Normalize produces a PurchaseEvent, or a skip reason when the delivery is
// unprocessable but not retryable. Collaborator round-trip failures during
// enrichment are logged and degrade to the amount fallback; they never fail
// normalization.
func (n *Normalizer) Normalize(ctx context.Context, event *stripelib.Event) (*PurchaseEvent, SkipReason) {
	switch EventType(event.Type) {
	case EventCheckoutCompleted:
		return n.normalizeCheckout(ctx, event)
	case EventInvoicePaid:
		return n.normalizeInvoice(ctx, event)
	default:
		return nil, SkipUnsupported
	}
}

func (n *Normalizer) normalizeCheckout(ctx context.Context, event *stripelib.Event) (*PurchaseEvent, SkipReason) {
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to decode checkout session")
		return nil, SkipUnsupported
	}

	email := strings.ToLower(strings.TrimSpace(session.CustomerDetails.Email))
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(session.CustomerEmail))
	}
	if email == "" {
		return nil, SkipNoEmail
	}

	ev := &PurchaseEvent{
		Type:           EventCheckoutCompleted,
		LiveMode:       session.LiveMode,
		CustomerEmail:  email,
		AmountCents:    session.AmountTotal,
		ReferralCode:   referralCodeFromSession(&session),
		CustomerID:     strings.TrimSpace(session.Customer),
		SubscriptionID: strings.TrimSpace(session.Subscription),
	}
	ev.PriceID = n.resolvePriceID(ctx, event.ID, ev.SubscriptionID, session.ID)
	return ev, SkipNone
}

func (n *Normalizer) normalizeInvoice(ctx context.Context, event *stripelib.Event) (*PurchaseEvent, SkipReason) {
	var inv invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to decode invoice")
		return nil, SkipUnsupported
	}

	email := strings.ToLower(strings.TrimSpace(inv.CustomerEmail))
	if email == "" && inv.Customer != "" && n.billing != nil {
		stored, err := n.billing.CustomerEmail(ctx, inv.Customer)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", event.ID).
				Str("customer_id", inv.Customer).
				Msg("Failed to look up customer email")
		} else {
			email = strings.ToLower(strings.TrimSpace(stored))
		}
	}
	if email == "" {
		return nil, SkipNoEmail
	}

	amount := inv.AmountPaid
	if amount == 0 {
		amount = inv.AmountDue
	}

	ev := &PurchaseEvent{
		Type:          EventInvoicePaid,
		LiveMode:      inv.LiveMode,
		CustomerEmail: email,
		AmountCents:   amount,
		// Invoices carry no custom-field data, so referral attribution is
		// skipped for this event kind.
		CustomerID:     strings.TrimSpace(inv.Customer),
		SubscriptionID: strings.TrimSpace(inv.Subscription),
	}

	for _, line := range inv.Lines.Data {
		if priceID := strings.TrimSpace(line.Price.ID); priceID != "" {
			ev.PriceID = priceID
			break
		}
	}
	if ev.PriceID == "" {
		ev.PriceID = n.resolvePriceID(ctx, event.ID, ev.SubscriptionID, "")
	}
	return ev, SkipNone
}

// resolvePriceID tries the active subscription's first item, then the
// checkout session's first line item. Both are collaborator round trips;
// failures leave the price empty and the amount fallback takes over.
func (n *Normalizer) resolvePriceID(ctx context.Context, eventID, subscriptionID, sessionID string) string {
	if n.billing == nil {
		return ""
	}
	if subscriptionID != "" {
		priceID, err := n.billing.SubscriptionPriceID(ctx, subscriptionID)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("subscription_id", subscriptionID).
				Msg("Failed to read price from subscription")
		} else if priceID != "" {
			return priceID
		}
	}
	if sessionID != "" {
		priceID, err := n.billing.SessionLineItemPriceID(ctx, sessionID)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("session_id", sessionID).
				Msg("Failed to read price from session line items")
		} else if priceID != "" {
			return priceID
		}
	}
	return ""
}

// referralCodeFromSession reads the explicit metadata field first, then scans
// the checkout form's custom fields for a referral-looking key or label.
func referralCodeFromSession(session *checkoutSession) string {
	for _, key := range []string{"referral_code", "referralCode", "referral"} {
		if v := strings.TrimSpace(session.Metadata[key]); v != "" {
			return v
		}
	}
	for _, field := range session.CustomFields {
		if isReferralMarker(field.Key) || isReferralMarker(field.Label.Custom) {
			if v := strings.TrimSpace(field.Text.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

func isReferralMarker(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "referral") || strings.Contains(s, "parrain")
}
