package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// UserStore provides lookup and field-level update operations for user
// accounts, backed by SQLite.
type UserStore struct {
	db *sql.DB
}

// NewUserStore opens (or creates) the membership database in dir.
func NewUserStore(dir string) (*UserStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "users.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open user store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &UserStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *UserStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		email              TEXT NOT NULL DEFAULT '',
		display_name       TEXT NOT NULL DEFAULT '',
		role               TEXT NOT NULL DEFAULT 'member',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		subscription_id    TEXT NOT NULL DEFAULT '',
		last_payment_at    INTEGER,
		referral_code      TEXT NOT NULL DEFAULT '',
		referred_by        TEXT NOT NULL DEFAULT '',
		referral_code_used TEXT NOT NULL DEFAULT '',
		referrals_count    INTEGER NOT NULL DEFAULT 0,
		free_months        INTEGER NOT NULL DEFAULT 0,
		last_referral_at   INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_referral_code
		ON users(referral_code) WHERE referral_code != '';

	CREATE TABLE IF NOT EXISTS referrals (
		id            TEXT PRIMARY KEY,
		referrer_id   TEXT NOT NULL,
		referee_id    TEXT NOT NULL,
		referee_email TEXT NOT NULL DEFAULT '',
		subscribed_at INTEGER NOT NULL,
		UNIQUE(referrer_id, referee_id)
	);
	CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init user store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *UserStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *UserStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = `
	id, email, display_name, role,
	stripe_customer_id, subscription_id, last_payment_at,
	referral_code, referred_by, referral_code_used,
	referrals_count, free_months, last_referral_at,
	created_at, updated_at`

// CreateUser inserts a new user record. Rows normally come from the signup
// flow; this exists for tooling and tests.
func (s *UserStore) CreateUser(u *UserAccount) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Role == "" {
		u.Role = RoleMember
	}

	_, err := s.db.Exec(`
		INSERT INTO users (
			id, email, display_name, role,
			stripe_customer_id, subscription_id, last_payment_at,
			referral_code, referred_by, referral_code_used,
			referrals_count, free_months, last_referral_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.DisplayName, string(u.Role),
		u.StripeCustomerID, u.SubscriptionID, nullableTimeUnix(u.LastPaymentAt),
		u.ReferralCode, u.ReferredBy, u.ReferralCodeUsed,
		u.ReferralsCount, u.FreeMonths, nullableTimeUnix(u.LastReferralAt),
		u.CreatedAt.Unix(), u.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) when not found.
func (s *UserStore) GetUserByID(id string) (*UserAccount, error) {
	row := s.db.QueryRow(`SELECT`+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves the first user whose email matches, oldest record
// first so duplicate emails resolve deterministically. Returns (nil, nil)
// when not found.
func (s *UserStore) GetUserByEmail(email string) (*UserAccount, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRow(`SELECT`+userColumns+` FROM users
		WHERE email = ? ORDER BY created_at, id LIMIT 1`, email)
	return scanUser(row)
}

// GetUserByReferralCode retrieves the owner of a referral code. Returns
// (nil, nil) when no user owns the code.
func (s *UserStore) GetUserByReferralCode(code string) (*UserAccount, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT`+userColumns+` FROM users WHERE referral_code = ?`, code)
	return scanUser(row)
}

// ApplyPayment sets the payment-derived fields on a user. The values are
// derived from the event itself, so re-applying the same event is a no-op
// beyond advancing last_payment_at.
func (s *UserStore) ApplyPayment(userID string, p PaymentUpdate) error {
	now := time.Now().UTC()
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	res, err := s.db.Exec(`
		UPDATE users SET
			role = ?, last_payment_at = ?,
			stripe_customer_id = ?, subscription_id = ?,
			updated_at = ?
		WHERE id = ?`,
		string(p.Role), paidAt.Unix(),
		p.StripeCustomerID, p.SubscriptionID,
		now.Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("apply payment: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", userID)
	}
	return nil
}

// ApplyReferral credits one referral to the referrer and attributes the
// referee, all in a single transaction:
//
//   - the referee joins the referrer's append-only set; if already present
//     the whole credit is a no-op (redeliveries must not double-count)
//   - referrals_count increments; every 2nd referral grants one free month
//   - referred_by / referral_code_used are write-once on the referee: a
//     second attribution leaves them untouched
func (s *UserStore) ApplyReferral(referrerID, refereeID, refereeEmail, codeUsed string, now time.Time) (ReferralOutcome, error) {
	var out ReferralOutcome
	if referrerID == "" || refereeID == "" {
		return out, fmt.Errorf("referrer and referee ids are required")
	}
	if referrerID == refereeID {
		out.AlreadyCredited = true
		return out, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return out, fmt.Errorf("begin referral tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM referrals
		WHERE referrer_id = ? AND referee_id = ?`, referrerID, refereeID).Scan(&existing); err != nil {
		return out, fmt.Errorf("check existing referral: %w", err)
	}
	if existing > 0 {
		out.AlreadyCredited = true
		return out, nil
	}

	var count, freeMonths int64
	err = tx.QueryRow(`SELECT referrals_count, free_months FROM users WHERE id = ?`, referrerID).
		Scan(&count, &freeMonths)
	if err == sql.ErrNoRows {
		return out, fmt.Errorf("referrer %q not found", referrerID)
	}
	if err != nil {
		return out, fmt.Errorf("load referrer counters: %w", err)
	}

	out.NewCount = count + 1
	out.MonthGranted = out.NewCount%2 == 0
	if out.MonthGranted {
		freeMonths++
	}

	if _, err := tx.Exec(`
		UPDATE users SET
			referrals_count = ?, free_months = ?,
			last_referral_at = ?, updated_at = ?
		WHERE id = ?`,
		out.NewCount, freeMonths, now.Unix(), now.Unix(), referrerID,
	); err != nil {
		return out, fmt.Errorf("update referrer counters: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO referrals (id, referrer_id, referee_id, referee_email, subscribed_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), referrerID, refereeID,
		strings.ToLower(strings.TrimSpace(refereeEmail)), now.Unix(),
	); err != nil {
		return out, fmt.Errorf("append referral entry: %w", err)
	}

	// Write-once attribution: only the first referral sets these fields.
	if _, err := tx.Exec(`
		UPDATE users SET referred_by = ?, referral_code_used = ?, updated_at = ?
		WHERE id = ? AND referred_by = ''`,
		referrerID, codeUsed, now.Unix(), refereeID,
	); err != nil {
		return out, fmt.Errorf("attribute referee: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit referral tx: %w", err)
	}
	return out, nil
}

// ListReferrals returns the referrer's referee set, oldest first.
func (s *UserStore) ListReferrals(referrerID string) ([]*Referral, error) {
	rows, err := s.db.Query(`SELECT id, referrer_id, referee_id, referee_email, subscribed_at
		FROM referrals WHERE referrer_id = ? ORDER BY subscribed_at, id`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list referrals: %w", err)
	}
	defer rows.Close()

	var entries []*Referral
	for rows.Next() {
		var r Referral
		var subscribedAt int64
		if err := rows.Scan(&r.ID, &r.ReferrerID, &r.RefereeID, &r.RefereeEmail, &subscribedAt); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		r.SubscribedAt = time.Unix(subscribedAt, 0).UTC()
		entries = append(entries, &r)
	}
	return entries, rows.Err()
}

// ReferralCodeExists reports whether any user already owns the given code.
func (s *UserStore) ReferralCodeExists(code string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM users WHERE referral_code = ?`, code).Scan(&n); err != nil {
		return false, fmt.Errorf("check referral code: %w", err)
	}
	return n > 0, nil
}

// AssignReferralCode sets a user's referral code if they don't have one yet.
// Returns false when the user already has a code.
func (s *UserStore) AssignReferralCode(userID, code string) (bool, error) {
	res, err := s.db.Exec(`UPDATE users SET referral_code = ?, updated_at = ?
		WHERE id = ? AND referral_code = ''`,
		code, time.Now().UTC().Unix(), userID)
	if err != nil {
		return false, fmt.Errorf("assign referral code: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListUsersWithoutReferralCode returns users missing a referral code,
// oldest first.
func (s *UserStore) ListUsersWithoutReferralCode() ([]*UserAccount, error) {
	rows, err := s.db.Query(`SELECT`+userColumns+` FROM users
		WHERE referral_code = '' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users without referral code: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

// CountUsers returns the total number of user records.
func (s *UserStore) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// CountReferrals returns the total number of referral entries.
func (s *UserStore) CountReferrals() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM referrals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*UserAccount, error) {
	var u UserAccount
	var role string
	var lastPaymentAt, lastReferralAt sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(
		&u.ID, &u.Email, &u.DisplayName, &role,
		&u.StripeCustomerID, &u.SubscriptionID, &lastPaymentAt,
		&u.ReferralCode, &u.ReferredBy, &u.ReferralCodeUsed,
		&u.ReferralsCount, &u.FreeMonths, &lastReferralAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.Role = Role(role)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	u.LastPaymentAt = nullableUnixTime(lastPaymentAt)
	u.LastReferralAt = nullableUnixTime(lastReferralAt)
	return &u, nil
}

func scanUsers(rows *sql.Rows) ([]*UserAccount, error) {
	var users []*UserAccount
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableUnixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
