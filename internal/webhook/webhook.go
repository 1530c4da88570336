package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clubpass/membersync/internal/logging"
	"github.com/clubpass/membersync/internal/server/syncmetrics"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Handler receives signed event deliveries from the payment provider.
type Handler struct {
	secrets   []string
	processor *Processor
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Skipped  string `json:"skipped,omitempty"`
}

// NewHandler creates the webhook HTTP handler. Multiple secrets support
// simultaneous live and test endpoints; verification tries each in turn.
func NewHandler(secrets []string, processor *Processor) *Handler {
	var trimmed []string
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return &Handler{
		secrets:   trimmed,
		processor: processor,
	}
}

// ServeHTTP verifies the signature against each configured secret and runs
// the pipeline. Only a failed account update produces a 5xx; everything else
// acknowledges the delivery so the provider doesn't retry pointlessly.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		syncmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		syncmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if len(h.secrets) == 0 {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := h.verify(payload, sigHeader)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	skip, err := h.processor.HandleEvent(r.Context(), event)
	if err != nil {
		log.Error().Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, status, receivedResponse{Received: true, Skipped: string(skip)})
}

// verify tries each configured secret in order and accepts the first that
// validates.
func (h *Handler) verify(payload []byte, sigHeader string) (*stripelib.Event, error) {
	var lastErr error
	for _, secret := range h.secrets {
		event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, secret, stripewebhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return &event, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
