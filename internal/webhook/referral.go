package webhook

import (
	"context"
	"time"

	"github.com/clubpass/membersync/internal/server/syncmetrics"
	"github.com/clubpass/membersync/internal/store"
	"github.com/rs/zerolog/log"
)

// applyReferral credits the referral code's owner for the referee's new
// subscription and, on every 2nd referral, grants a free month by attaching
// the 100%-off coupon to the referrer's subscription. Everything here is
// best-effort: failures are logged and never fail the webhook response.
func (p *Processor) applyReferral(ctx context.Context, code string, referee *store.UserAccount) {
	referrer, err := p.users.GetUserByReferralCode(code)
	if err != nil {
		syncmetrics.ReferralCreditsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("code", code).Msg("Referral code lookup failed")
		return
	}
	if referrer == nil {
		// Invalid or typo'd code; the purchase itself is unaffected.
		syncmetrics.ReferralCreditsTotal.WithLabelValues("not_found").Inc()
		log.Info().Str("code", code).Msg("Referral code not recognized")
		return
	}

	out, err := p.users.ApplyReferral(referrer.ID, referee.ID, referee.Email, code, time.Now().UTC())
	if err != nil {
		syncmetrics.ReferralCreditsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).
			Str("referrer_id", referrer.ID).
			Str("referee_id", referee.ID).
			Msg("Failed to credit referral")
		return
	}
	if out.AlreadyCredited {
		syncmetrics.ReferralCreditsTotal.WithLabelValues("duplicate").Inc()
		log.Info().
			Str("referrer_id", referrer.ID).
			Str("referee_id", referee.ID).
			Msg("Referral already credited, skipping")
		return
	}
	syncmetrics.ReferralCreditsTotal.WithLabelValues("credited").Inc()

	log.Info().
		Str("referrer_id", referrer.ID).
		Str("referee_id", referee.ID).
		Int64("referrals_count", out.NewCount).
		Bool("month_granted", out.MonthGranted).
		Msg("Referral credited")

	if out.MonthGranted {
		p.grantFreeMonth(ctx, referrer)
	}
}

// grantFreeMonth attaches the named 100%-off single-use coupon to the
// referrer's subscription, unless the subscription already carries a
// discount. The check prevents stacking free months across retried or
// near-simultaneous qualifying referrals.
func (p *Processor) grantFreeMonth(ctx context.Context, referrer *store.UserAccount) {
	if p.billing == nil {
		return
	}
	if referrer.SubscriptionID == "" {
		log.Info().
			Str("referrer_id", referrer.ID).
			Msg("Free month earned but referrer has no active subscription")
		return
	}

	hasDiscount, err := p.billing.SubscriptionHasDiscount(ctx, referrer.SubscriptionID)
	if err != nil {
		log.Warn().Err(err).
			Str("referrer_id", referrer.ID).
			Str("subscription_id", referrer.SubscriptionID).
			Msg("Failed to check subscription discount")
		return
	}
	if hasDiscount {
		log.Info().
			Str("referrer_id", referrer.ID).
			Str("subscription_id", referrer.SubscriptionID).
			Msg("Subscription already discounted, not stacking free month")
		return
	}

	couponID, err := p.billing.EnsureFreeMonthCoupon(ctx)
	if err != nil {
		log.Warn().Err(err).
			Str("referrer_id", referrer.ID).
			Msg("Failed to ensure free-month coupon")
		return
	}

	if err := p.billing.ApplyCouponToSubscription(ctx, referrer.SubscriptionID, couponID); err != nil {
		log.Warn().Err(err).
			Str("referrer_id", referrer.ID).
			Str("subscription_id", referrer.SubscriptionID).
			Str("coupon_id", couponID).
			Msg("Failed to apply free-month coupon")
		return
	}

	syncmetrics.FreeMonthsGrantedTotal.Inc()
	log.Info().
		Str("referrer_id", referrer.ID).
		Str("subscription_id", referrer.SubscriptionID).
		Msg("Free month applied to referrer subscription")
}
