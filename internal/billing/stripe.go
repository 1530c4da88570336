// Package billing wraps the narrow slice of the Stripe API the webhook
// pipeline needs: price lookups for tier resolution, customer email lookups,
// and the referral free-month coupon.
package billing

import (
	"context"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// FreeMonthCouponName is the fixed label of the reusable 100%-off single-use
// coupon granted on every 2nd referral. Looked up by name, created if absent.
const FreeMonthCouponName = "Parrainage - 1 mois offert"

// Client talks to the Stripe API.
type Client struct {
	api *client.API
}

// NewClient creates a Stripe-backed billing client.
func NewClient(apiKey string) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Client{api: api}
}

// SubscriptionPriceID returns the price ID on the subscription's first item.
func (c *Client) SubscriptionPriceID(ctx context.Context, subscriptionID string) (string, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}
	if sub.Items == nil {
		return "", nil
	}
	for _, item := range sub.Items.Data {
		if item.Price != nil && item.Price.ID != "" {
			return item.Price.ID, nil
		}
	}
	return "", nil
}

// SessionLineItemPriceID returns the price ID on the checkout session's first
// line item.
func (c *Client) SessionLineItemPriceID(ctx context.Context, sessionID string) (string, error) {
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	session, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve checkout session %s: %w", sessionID, err)
	}
	if session.LineItems == nil {
		return "", nil
	}
	for _, item := range session.LineItems.Data {
		if item.Price != nil && item.Price.ID != "" {
			return item.Price.ID, nil
		}
	}
	return "", nil
}

// CustomerEmail returns the email stored on the billing customer.
func (c *Client) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve customer %s: %w", customerID, err)
	}
	return cust.Email, nil
}

// EnsureFreeMonthCoupon returns the ID of the free-month coupon, creating it
// if no coupon with the fixed label exists yet.
func (c *Client) EnsureFreeMonthCoupon(ctx context.Context) (string, error) {
	listParams := &stripelib.CouponListParams{}
	listParams.Context = ctx
	iter := c.api.Coupons.List(listParams)
	for iter.Next() {
		coupon := iter.Coupon()
		if strings.EqualFold(coupon.Name, FreeMonthCouponName) {
			return coupon.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list coupons: %w", err)
	}

	params := &stripelib.CouponParams{
		Name:       stripelib.String(FreeMonthCouponName),
		PercentOff: stripelib.Float64(100),
		Duration:   stripelib.String(string(stripelib.CouponDurationOnce)),
	}
	params.Context = ctx
	coupon, err := c.api.Coupons.New(params)
	if err != nil {
		return "", fmt.Errorf("create free-month coupon: %w", err)
	}
	return coupon.ID, nil
}

// SubscriptionHasDiscount reports whether the subscription currently carries
// any discount.
func (c *Client) SubscriptionHasDiscount(ctx context.Context, subscriptionID string) (bool, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return false, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}
	return len(sub.Discounts) > 0, nil
}

// ApplyCouponToSubscription attaches the coupon to the subscription.
func (c *Client) ApplyCouponToSubscription(ctx context.Context, subscriptionID, couponID string) error {
	params := &stripelib.SubscriptionParams{
		Discounts: []*stripelib.SubscriptionDiscountParams{
			{Coupon: stripelib.String(couponID)},
		},
	}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("apply coupon %s to subscription %s: %w", couponID, subscriptionID, err)
	}
	return nil
}
