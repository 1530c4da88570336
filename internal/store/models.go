package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Role is the entitlement tier granted to a user after a successful purchase.
type Role string

const (
	RoleMember    Role = "member"
	RoleCommunity Role = "community"
	RoleBiz       Role = "biz"
)

// ValidRole reports whether r is one of the closed set of roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleMember, RoleCommunity, RoleBiz:
		return true
	}
	return false
}

// UserAccount represents a user record in the membership database. Rows are
// created by the signup flow; the webhook pipeline only mutates existing rows.
type UserAccount struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	DisplayName      string     `json:"display_name"`
	Role             Role       `json:"role"`
	StripeCustomerID string     `json:"stripe_customer_id"`
	SubscriptionID   string     `json:"subscription_id"`
	LastPaymentAt    *time.Time `json:"last_payment_at,omitempty"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       string     `json:"referred_by"`
	ReferralCodeUsed string     `json:"referral_code_used"`
	ReferralsCount   int64      `json:"referrals_count"`
	FreeMonths       int64      `json:"free_months"`
	LastReferralAt   *time.Time `json:"last_referral_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Referral is one entry in a referrer's append-only referee set.
type Referral struct {
	ID           string    `json:"id"`
	ReferrerID   string    `json:"referrer_id"`
	RefereeID    string    `json:"referee_id"`
	RefereeEmail string    `json:"referee_email"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// PaymentUpdate carries the fields applied to a user on a successful payment.
// The update is a plain field set, so re-applying it is idempotent.
type PaymentUpdate struct {
	Role             Role
	StripeCustomerID string
	SubscriptionID   string
	PaidAt           time.Time
}

// ReferralOutcome describes the result of crediting one referral.
type ReferralOutcome struct {
	// AlreadyCredited is true when the referee was already in the referrer's
	// set; nothing was changed.
	AlreadyCredited bool
	// NewCount is the referrer's referrals_count after the credit.
	NewCount int64
	// MonthGranted is true when the credit crossed the 1-in-2 cadence and
	// free_months was incremented.
	MonthGranted bool
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateUserID returns a user ID of the form "u_" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateUserID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate user id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("u_")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

const (
	referralCodePrefix   = "MOOV-"
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeLength   = 6
)

// GenerateReferralCode returns a referral code of the form "MOOV-" followed
// by 6 random characters from [A-Z0-9]. Uniqueness is enforced by the caller
// against the store.
func GenerateReferralCode() (string, error) {
	b := make([]byte, referralCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(referralCodePrefix)
	for _, v := range b {
		sb.WriteByte(referralCodeAlphabet[int(v)%len(referralCodeAlphabet)])
	}
	return sb.String(), nil
}
