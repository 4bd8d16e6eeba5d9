package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kanbanfeed/crowbar-master-backend/internal/api"
	"github.com/kanbanfeed/crowbar-master-backend/internal/auth"
	"github.com/kanbanfeed/crowbar-master-backend/internal/billing"
	"github.com/kanbanfeed/crowbar-master-backend/internal/bridge"
	"github.com/kanbanfeed/crowbar-master-backend/internal/checkout"
	"github.com/kanbanfeed/crowbar-master-backend/internal/config"
	"github.com/kanbanfeed/crowbar-master-backend/internal/credits"
	"github.com/kanbanfeed/crowbar-master-backend/internal/db"
	"github.com/kanbanfeed/crowbar-master-backend/internal/gate"
	"github.com/kanbanfeed/crowbar-master-backend/internal/gcs"
	"github.com/kanbanfeed/crowbar-master-backend/internal/notify"
	"github.com/kanbanfeed/crowbar-master-backend/internal/reconcile"
	"github.com/kanbanfeed/crowbar-master-backend/internal/rules"
	"github.com/kanbanfeed/crowbar-master-backend/internal/store"
	"github.com/kanbanfeed/crowbar-master-backend/internal/temporal/activities"
	temporalclient "github.com/kanbanfeed/crowbar-master-backend/internal/temporal/client"
	"github.com/kanbanfeed/crowbar-master-backend/internal/temporal/worker"
	"github.com/kanbanfeed/crowbar-master-backend/internal/user"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bunDB := db.NewBunPostgresClient(cfg.DatabaseURL)
	if err := db.Ping(ctx, bunDB); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	pgStore := store.NewPostgresStore(bunDB)
	defer pgStore.Close()

	gateway := billing.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	if cfg.StripeSyncCatalog {
		if err := gateway.SyncCatalog(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to sync Stripe catalog")
		}
	}
	catalog := billing.NewCatalog(cfg.Partners)

	var notifier notify.Notifier = notify.LogNotifier{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		notifier = kafka
	}
	sender := notify.NewAsync(notifier, cfg.NotifyTimeout)
	defer sender.Wait()

	creditsService := credits.NewService(pgStore)
	engine := reconcile.NewEngine(creditsService, catalog, sender)

	g, gctx := errgroup.WithContext(ctx)

	var dispatcher reconcile.Dispatcher
	switch cfg.Dispatcher {
	case config.DispatcherTemporal:
		tc, err := temporalclient.NewClient(cfg.TemporalHost, cfg.TemporalNamespace)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Temporal client")
		}
		defer tc.Close()

		w := worker.NewWorker(tc, cfg.TemporalTaskQueue, activities.NewActivities(engine))
		if err := w.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start Temporal worker")
		}
		g.Go(func() error {
			<-gctx.Done()
			w.Stop()
			return nil
		})
		dispatcher = temporalclient.NewDispatcher(tc, cfg.TemporalTaskQueue)
	default:
		inline := reconcile.NewInlineDispatcher(engine, cfg.ReconcileTimeout)
		defer inline.Wait()
		dispatcher = inline
	}

	checkoutService := checkout.NewService(creditsService, gateway, catalog, checkout.Config{
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		SessionTTL: cfg.CheckoutSessionTTL,
		MinimumAge: cfg.MinimumAge,
	})
	gateService := gate.NewService(creditsService, checkoutService, engine, gateway, catalog)
	bridgeService := bridge.NewService(cfg.BridgeSecret, creditsService, engine, catalog)

	var uploads user.UploadSigner
	if signer := newSigner(ctx, cfg); signer != nil {
		defer signer.Close()
		uploads = signer
	}
	userService := user.NewService(creditsService, uploads)

	handlers := api.Handlers{
		Checkout:      api.NewCheckoutHandler(checkoutService, gateway, dispatcher),
		Credits:       api.NewCreditsHandler(creditsService, rules.NewReferrals(creditsService)),
		Gate:          api.NewGateHandler(gateService),
		Bridge:        api.NewBridgeHandler(bridgeService),
		Profile:       api.NewProfileHandler(userService),
		Users:         userService,
		AllowedOrigin: cfg.AllowedOrigin,
		Health: func(ctx context.Context) error {
			return db.Ping(ctx, bunDB)
		},
	}
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create JWT verifier")
		}
		defer verifier.Close()
		handlers.Verifier = verifier
	} else {
		log.Warn().Msg("JWKS_URL not set, profile routes disabled")
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddr).Str("dispatcher", cfg.Dispatcher).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server stopped")
}

// newSigner returns nil when no KYC bucket is configured.
func newSigner(ctx context.Context, cfg *config.Config) *gcs.Signer {
	if cfg.KYCBucket == "" {
		log.Warn().Msg("KYC_BUCKET not set, document uploads disabled")
		return nil
	}
	if cfg.GCSServiceAccount != "" && cfg.GCSPrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.GCSPrivateKeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read GCS private key")
		}
		return gcs.NewKeySigner(cfg.KYCBucket, cfg.GCSServiceAccount, key, cfg.KYCUploadURLTTL)
	}
	signer, err := gcs.NewSigner(ctx, cfg.KYCBucket, cfg.KYCUploadURLTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create GCS signer")
	}
	return signer
}
