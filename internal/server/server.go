package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clubpass/membersync/internal/billing"
	"github.com/clubpass/membersync/internal/campaign"
	"github.com/clubpass/membersync/internal/logging"
	"github.com/clubpass/membersync/internal/store"
	"github.com/clubpass/membersync/internal/webhook"
	"github.com/rs/zerolog/log"
)

// Run starts the webhook receiver with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "membersync",
	})

	log.Info().Str("version", version).Msg("Starting membersync webhook receiver")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	users, err := store.NewUserStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer users.Close()

	var billingClient webhook.BillingClient
	if cfg.StripeAPIKey != "" {
		billingClient = billing.NewClient(cfg.StripeAPIKey)
		log.Info().Msg("Billing client configured (Stripe)")
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; price lookups and free-month coupons disabled")
	}

	var campaignClient campaign.Syncer
	if cfg.LemlistAPIKey != "" {
		campaignClient = campaign.NewLemlistClient(cfg.LemlistAPIKey, cfg.CampaignIDs)
		log.Info().Msg("Campaign client configured (Lemlist)")
	} else {
		campaignClient = campaign.NewLogClient(func(email, tier string) {
			log.Info().
				Str("email", email).
				Str("tier", tier).
				Msg("Campaign enrollment (log-only, no campaign provider configured)")
		})
		log.Info().Msg("Campaign sync: log-only (set LEMLIST_API_KEY to enable)")
	}

	plans := webhook.DefaultPlanTable()
	if len(cfg.PlanPrices) > 0 || len(cfg.PlanAmounts) > 0 {
		plans = webhook.NewPlanTable(cfg.PlanPrices, cfg.PlanAmounts)
		log.Info().
			Int("prices", len(cfg.PlanPrices)).
			Int("amounts", len(cfg.PlanAmounts)).
			Msg("Plan tables loaded from environment")
	}

	processor := webhook.NewProcessor(plans, users, billingClient, campaignClient)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:    cfg,
		Users:     users,
		Processor: processor,
		Version:   version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		log.Info().Str("addr", addr).Msg("Webhook receiver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Webhook receiver stopped")
	return nil
}
