package store

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *UserStore {
	t.Helper()
	s, err := NewUserStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewUserStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s *UserStore, u *UserAccount) *UserAccount {
	t.Helper()
	if u.ID == "" {
		id, err := GenerateUserID()
		if err != nil {
			t.Fatal(err)
		}
		u.ID = id
	}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestGenerateReferralCode(t *testing.T) {
	pattern := regexp.MustCompile(`^MOOV-[A-Z0-9]{6}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateReferralCode()
		if err != nil {
			t.Fatalf("GenerateReferralCode: %v", err)
		}
		if !pattern.MatchString(code) {
			t.Errorf("code %q does not match expected format", code)
		}
		if seen[code] {
			t.Fatalf("duplicate referral code: %s", code)
		}
		seen[code] = true
	}
}

func TestGetUserByEmailNormalizesAndPicksOldest(t *testing.T) {
	s := newTestStore(t)

	older := mustCreateUser(t, s, &UserAccount{
		Email:     "dup@example.com",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	mustCreateUser(t, s, &UserAccount{Email: "Dup@Example.com"})

	got, err := s.GetUserByEmail("  DUP@example.COM ")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got == nil {
		t.Fatal("expected user, got nil")
	}
	if got.ID != older.ID {
		t.Errorf("expected oldest record %q, got %q", older.ID, got.ID)
	}

	missing, err := s.GetUserByEmail("nobody@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail(missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing user, got %+v", missing)
	}
}

func TestApplyPaymentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, &UserAccount{Email: "payer@example.com"})

	update := PaymentUpdate{
		Role:             RoleCommunity,
		StripeCustomerID: "cus_123",
		SubscriptionID:   "sub_456",
		PaidAt:           time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := s.ApplyPayment(u.ID, update); err != nil {
			t.Fatalf("ApplyPayment (run %d): %v", i+1, err)
		}
	}

	got, err := s.GetUserByID(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != RoleCommunity {
		t.Errorf("role = %q, want %q", got.Role, RoleCommunity)
	}
	if got.StripeCustomerID != "cus_123" || got.SubscriptionID != "sub_456" {
		t.Errorf("payment metadata not applied: %+v", got)
	}
	if got.LastPaymentAt == nil {
		t.Error("last_payment_at not set")
	}
}

func TestApplyPaymentMissingUser(t *testing.T) {
	s := newTestStore(t)
	err := s.ApplyPayment("u_MISSING", PaymentUpdate{Role: RoleBiz})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestApplyReferralCadence(t *testing.T) {
	s := newTestStore(t)
	referrer := mustCreateUser(t, s, &UserAccount{
		Email:        "referrer@example.com",
		ReferralCode: "MOOV-AAAAAA",
	})

	wantGranted := []bool{false, true, false, true}
	for i, want := range wantGranted {
		referee := mustCreateUser(t, s, &UserAccount{Email: "referee@example.com"})
		out, err := s.ApplyReferral(referrer.ID, referee.ID, referee.Email, "MOOV-AAAAAA", time.Now().UTC())
		if err != nil {
			t.Fatalf("ApplyReferral #%d: %v", i+1, err)
		}
		if out.AlreadyCredited {
			t.Fatalf("ApplyReferral #%d unexpectedly reported already credited", i+1)
		}
		if out.NewCount != int64(i+1) {
			t.Errorf("ApplyReferral #%d: NewCount = %d, want %d", i+1, out.NewCount, i+1)
		}
		if out.MonthGranted != want {
			t.Errorf("ApplyReferral #%d: MonthGranted = %v, want %v", i+1, out.MonthGranted, want)
		}
	}

	got, err := s.GetUserByID(referrer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReferralsCount != 4 {
		t.Errorf("referrals_count = %d, want 4", got.ReferralsCount)
	}
	if got.FreeMonths != 2 {
		t.Errorf("free_months = %d, want 2", got.FreeMonths)
	}
	if got.LastReferralAt == nil {
		t.Error("last_referral_at not set")
	}

	entries, err := s.ListReferrals(referrer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("referee set size = %d, want 4", len(entries))
	}
}

func TestApplyReferralDuplicateRefereeIsNoOp(t *testing.T) {
	s := newTestStore(t)
	referrer := mustCreateUser(t, s, &UserAccount{
		Email:        "referrer@example.com",
		ReferralCode: "MOOV-BBBBBB",
	})
	referee := mustCreateUser(t, s, &UserAccount{Email: "referee@example.com"})

	first, err := s.ApplyReferral(referrer.ID, referee.ID, referee.Email, "MOOV-BBBBBB", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if first.AlreadyCredited {
		t.Fatal("first credit reported as duplicate")
	}

	// Redelivery of the same event must not double-count.
	second, err := s.ApplyReferral(referrer.ID, referee.ID, referee.Email, "MOOV-BBBBBB", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyCredited {
		t.Error("duplicate credit not detected")
	}

	got, err := s.GetUserByID(referrer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReferralsCount != 1 {
		t.Errorf("referrals_count = %d, want 1", got.ReferralsCount)
	}
}

func TestApplyReferralAttributionIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	first := mustCreateUser(t, s, &UserAccount{Email: "one@example.com", ReferralCode: "MOOV-CCCCCC"})
	second := mustCreateUser(t, s, &UserAccount{Email: "two@example.com", ReferralCode: "MOOV-DDDDDD"})
	referee := mustCreateUser(t, s, &UserAccount{Email: "referee@example.com"})

	if _, err := s.ApplyReferral(first.ID, referee.ID, referee.Email, "MOOV-CCCCCC", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyReferral(second.ID, referee.ID, referee.Email, "MOOV-DDDDDD", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUserByID(referee.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReferredBy != first.ID {
		t.Errorf("referred_by = %q, want first referrer %q", got.ReferredBy, first.ID)
	}
	if got.ReferralCodeUsed != "MOOV-CCCCCC" {
		t.Errorf("referral_code_used = %q, want MOOV-CCCCCC", got.ReferralCodeUsed)
	}
}

func TestApplyReferralSelfReferral(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, &UserAccount{Email: "self@example.com", ReferralCode: "MOOV-EEEEEE"})

	out, err := s.ApplyReferral(u.ID, u.ID, u.Email, "MOOV-EEEEEE", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if !out.AlreadyCredited {
		t.Error("self-referral should be a no-op")
	}
}

func TestAssignReferralCode(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, &UserAccount{Email: "nocode@example.com"})

	assigned, err := s.AssignReferralCode(u.ID, "MOOV-FFFFFF")
	if err != nil {
		t.Fatal(err)
	}
	if !assigned {
		t.Fatal("expected code to be assigned")
	}

	// Second assignment must not overwrite.
	assigned, err = s.AssignReferralCode(u.ID, "MOOV-GGGGGG")
	if err != nil {
		t.Fatal(err)
	}
	if assigned {
		t.Error("existing code was overwritten")
	}

	exists, err := s.ReferralCodeExists("MOOV-FFFFFF")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("assigned code not found")
	}

	missing, err := s.ListUsersWithoutReferralCode()
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Errorf("users without code = %d, want 0", len(missing))
	}
}
