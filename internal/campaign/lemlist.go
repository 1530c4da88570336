// Package campaign enrolls paying customers into the marketing campaign
// configured for their tier. Strictly a best-effort side channel: callers
// log failures and move on.
package campaign

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Syncer enrolls an email into a tier's campaign.
type Syncer interface {
	Sync(ctx context.Context, email, displayName, tier string) error
}

const defaultBaseURL = "https://api.lemlist.com"

// LemlistClient adds leads to Lemlist campaigns over the HTTP API.
type LemlistClient struct {
	apiKey     string
	baseURL    string
	campaigns  map[string]string // tier -> campaign ID
	httpClient *http.Client
}

// NewLemlistClient creates a Lemlist campaign client. campaigns maps tier
// names to campaign IDs; tiers without a campaign are skipped silently.
func NewLemlistClient(apiKey string, campaigns map[string]string) *LemlistClient {
	return &LemlistClient{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		campaigns: campaigns,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type lemlistLeadRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	CompanyName string `json:"companyName"`
}

// Sync adds the email as a lead to the tier's campaign. Lemlist creates the
// lead if it doesn't exist; deduplicate=true makes re-enrollment a no-op.
func (c *LemlistClient) Sync(ctx context.Context, email, displayName, tier string) error {
	campaignID := strings.TrimSpace(c.campaigns[tier])
	if campaignID == "" {
		return nil
	}

	firstName, lastName := splitDisplayName(displayName)
	body, err := json.Marshal(lemlistLeadRequest{
		FirstName: firstName,
		LastName:  lastName,
	})
	if err != nil {
		return fmt.Errorf("marshal lead request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/campaigns/%s/leads/%s?deduplicate=true",
		c.baseURL, url.PathEscape(campaignID), url.PathEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("create lead request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Lemlist uses basic auth with an empty username.
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.apiKey))
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lemlist request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("lemlist error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// splitDisplayName best-effort splits "First Last..." into first and last
// name; everything after the first word goes into the last name.
func splitDisplayName(displayName string) (firstName, lastName string) {
	fields := strings.Fields(strings.TrimSpace(displayName))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// LogClient logs enrollments instead of sending them. Used as fallback when
// no campaign provider is configured.
type LogClient struct {
	logFn func(email, tier string)
}

// NewLogClient creates a syncer that logs enrollments.
func NewLogClient(logFn func(email, tier string)) *LogClient {
	return &LogClient{logFn: logFn}
}

// Sync logs the enrollment instead of performing it.
func (l *LogClient) Sync(_ context.Context, email, _, tier string) error {
	if l.logFn != nil {
		l.logFn(email, tier)
	}
	return nil
}
