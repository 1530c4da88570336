package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/clubpass/membersync/internal/server/syncmetrics"
	"github.com/clubpass/membersync/internal/store"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
)

// BillingClient is the narrow slice of the billing provider's API this
// pipeline needs.
type BillingClient interface {
	// SubscriptionPriceID returns the price ID on the subscription's first item.
	SubscriptionPriceID(ctx context.Context, subscriptionID string) (string, error)
	// SessionLineItemPriceID returns the price ID on the checkout session's
	// first line item.
	SessionLineItemPriceID(ctx context.Context, sessionID string) (string, error)
	// CustomerEmail returns the email stored on the billing customer.
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	// EnsureFreeMonthCoupon returns the ID of the reusable 100%-off single-use
	// coupon, creating it if absent.
	EnsureFreeMonthCoupon(ctx context.Context) (string, error)
	// SubscriptionHasDiscount reports whether the subscription currently
	// carries any discount.
	SubscriptionHasDiscount(ctx context.Context, subscriptionID string) (bool, error)
	// ApplyCouponToSubscription attaches the coupon to the subscription.
	ApplyCouponToSubscription(ctx context.Context, subscriptionID, couponID string) error
}

// UserDirectory is the slice of the user store the pipeline mutates.
type UserDirectory interface {
	GetUserByEmail(email string) (*store.UserAccount, error)
	GetUserByReferralCode(code string) (*store.UserAccount, error)
	ApplyPayment(userID string, p store.PaymentUpdate) error
	ApplyReferral(referrerID, refereeID, refereeEmail, codeUsed string, now time.Time) (store.ReferralOutcome, error)
}

// CampaignSyncer enrolls a paying customer into the marketing campaign for
// their tier. Best-effort side channel: failures never affect reconciliation.
type CampaignSyncer interface {
	Sync(ctx context.Context, email, displayName, tier string) error
}

// Result is the outcome of reconciling one purchase event.
type Result string

const (
	ResultApplied Result = "applied"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

const campaignSyncTimeout = 30 * time.Second

// Processor runs the per-delivery pipeline: normalize → resolve tier →
// reconcile account → referral ledger → campaign sync.
type Processor struct {
	plans      *PlanTable
	users      UserDirectory
	billing    BillingClient
	campaign   CampaignSyncer
	normalizer *Normalizer

	// syncAsync runs the campaign sync off the request path. Overridable so
	// tests can run it inline.
	syncAsync func(func())
}

// NewProcessor creates the event pipeline. billing and campaign may be nil;
// the corresponding enrichment steps then degrade to no-ops.
func NewProcessor(plans *PlanTable, users UserDirectory, billing BillingClient, campaign CampaignSyncer) *Processor {
	if plans == nil {
		plans = DefaultPlanTable()
	}
	return &Processor{
		plans:      plans,
		users:      users,
		billing:    billing,
		campaign:   campaign,
		normalizer: NewNormalizer(billing),
		syncAsync:  func(fn func()) { go fn() },
	}
}

// HandleEvent processes one verified delivery. The returned error is non-nil
// only when the primary account update failed and the provider should retry;
// every other outcome acknowledges the delivery, with a non-empty SkipReason
// when no account state was changed.
func (p *Processor) HandleEvent(ctx context.Context, event *stripelib.Event) (SkipReason, error) {
	ev, skip := p.normalizer.Normalize(ctx, event)
	if skip != SkipNone {
		if skip == SkipNoEmail {
			log.Warn().
				Str("event_id", event.ID).
				Str("type", string(event.Type)).
				Msg("Delivery skipped: no resolvable customer email")
		}
		syncmetrics.ReconcileTotal.WithLabelValues(string(ResultSkipped)).Inc()
		return skip, nil
	}

	tier := p.plans.Resolve(ev.PriceID, ev.AmountCents)

	log.Info().
		Str("event_id", event.ID).
		Str("type", string(ev.Type)).
		Bool("livemode", ev.LiveMode).
		Str("email", ev.CustomerEmail).
		Str("price_id", ev.PriceID).
		Str("tier", string(tier)).
		Msg("Purchase event received")

	result, account, err := p.reconcile(ev, tier)
	syncmetrics.ReconcileTotal.WithLabelValues(string(result)).Inc()
	if err != nil {
		return SkipNone, err
	}
	if result != ResultApplied {
		return SkipNoAccount, nil
	}

	if ev.ReferralCode != "" {
		p.applyReferral(ctx, ev.ReferralCode, account)
	}

	p.syncCampaign(account.Email, account.DisplayName, tier)
	return SkipNone, nil
}

// reconcile looks up the account by email and applies the tier and payment
// metadata. Account-not-found skips; only a store failure is retryable.
func (p *Processor) reconcile(ev *PurchaseEvent, tier store.Role) (Result, *store.UserAccount, error) {
	account, err := p.users.GetUserByEmail(ev.CustomerEmail)
	if err != nil {
		return ResultFailed, nil, fmt.Errorf("lookup user by email: %w", err)
	}
	if account == nil {
		log.Warn().
			Str("email", ev.CustomerEmail).
			Msg("Account not found for purchase event")
		return ResultSkipped, nil, nil
	}

	if err := p.users.ApplyPayment(account.ID, store.PaymentUpdate{
		Role:             tier,
		StripeCustomerID: ev.CustomerID,
		SubscriptionID:   ev.SubscriptionID,
		PaidAt:           time.Now().UTC(),
	}); err != nil {
		return ResultFailed, nil, fmt.Errorf("apply payment to user %s: %w", account.ID, err)
	}

	account.Role = tier
	log.Info().
		Str("user_id", account.ID).
		Str("email", account.Email).
		Str("role", string(tier)).
		Msg("Account reconciled")
	return ResultApplied, account, nil
}

// syncCampaign runs the campaign sync off the request path with a detached
// timeout context so a slow collaborator can't hold the delivery open.
func (p *Processor) syncCampaign(email, displayName string, tier store.Role) {
	if p.campaign == nil {
		return
	}
	p.syncAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), campaignSyncTimeout)
		defer cancel()
		if err := p.campaign.Sync(ctx, email, displayName, string(tier)); err != nil {
			syncmetrics.CampaignSyncTotal.WithLabelValues("error").Inc()
			log.Warn().Err(err).
				Str("email", email).
				Str("tier", string(tier)).
				Msg("Campaign sync failed")
			return
		}
		syncmetrics.CampaignSyncTotal.WithLabelValues("ok").Inc()
	})
}
