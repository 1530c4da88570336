package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/clubpass/membersync/internal/store"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the webhook receiver.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	// WebhookSecrets holds one or more signing secrets (e.g. live + test
	// endpoints); verification tries each in turn.
	WebhookSecrets []string
	StripeAPIKey   string // optional; price/coupon enrichment disabled if empty

	LemlistAPIKey string            // optional; campaign sync is log-only if empty
	CampaignIDs   map[string]string // tier -> Lemlist campaign ID

	// PlanPrices / PlanAmounts override the built-in tier mappings.
	PlanPrices  map[string]store.Role
	PlanAmounts map[int64]store.Role

	PublicStatus  bool
	PublicMetrics bool
}

// LoadConfig loads configuration from environment variables. A .env file is
// loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("MS_PORT", 8080)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        envOrDefault("MS_DATA_DIR", "/data"),
		BindAddress:    envOrDefault("MS_BIND_ADDRESS", "0.0.0.0"),
		Port:           port,
		WebhookSecrets: splitList(os.Getenv("STRIPE_WEBHOOK_SECRETS")),
		StripeAPIKey:   strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		LemlistAPIKey:  strings.TrimSpace(os.Getenv("LEMLIST_API_KEY")),
		CampaignIDs: map[string]string{
			string(store.RoleMember):    strings.TrimSpace(os.Getenv("LEMLIST_CAMPAIGN_MEMBER")),
			string(store.RoleCommunity): strings.TrimSpace(os.Getenv("LEMLIST_CAMPAIGN_COMMUNITY")),
			string(store.RoleBiz):       strings.TrimSpace(os.Getenv("LEMLIST_CAMPAIGN_BIZ")),
		},
		PublicStatus:  envBool("MS_PUBLIC_STATUS"),
		PublicMetrics: envBool("MS_PUBLIC_METRICS"),
	}

	// Single-secret fallback for setups that predate the list form.
	if len(cfg.WebhookSecrets) == 0 {
		cfg.WebhookSecrets = splitList(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	}

	cfg.PlanPrices, err = parseRoleMap(os.Getenv("MS_PLAN_PRICES"))
	if err != nil {
		return nil, fmt.Errorf("MS_PLAN_PRICES: %w", err)
	}
	amounts, err := parseRoleMap(os.Getenv("MS_PLAN_AMOUNTS"))
	if err != nil {
		return nil, fmt.Errorf("MS_PLAN_AMOUNTS: %w", err)
	}
	cfg.PlanAmounts = make(map[int64]store.Role, len(amounts))
	for k, role := range amounts {
		cents, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MS_PLAN_AMOUNTS: amount %q is not an integer: %w", k, err)
		}
		cfg.PlanAmounts[cents] = role
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if len(c.WebhookSecrets) == 0 {
		missing = append(missing, "STRIPE_WEBHOOK_SECRETS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("MS_PORT must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// parseRoleMap parses "key=role,key=role" lists, e.g.
// "price_123=community,price_456=biz".
func parseRoleMap(raw string) (map[string]store.Role, error) {
	out := make(map[string]store.Role)
	for _, pair := range splitList(raw) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q is not key=role", pair)
		}
		role := store.Role(strings.TrimSpace(value))
		if !store.ValidRole(role) {
			return nil, fmt.Errorf("unknown role %q in entry %q", value, pair)
		}
		out[strings.TrimSpace(key)] = role
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
