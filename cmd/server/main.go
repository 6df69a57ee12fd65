package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dash/internal/config"
	"github.com/example/ride-dash/internal/dispatch"
	"github.com/example/ride-dash/internal/eta"
	"github.com/example/ride-dash/internal/feed"
	"github.com/example/ride-dash/internal/geo"
	httpapi "github.com/example/ride-dash/internal/http"
	"github.com/example/ride-dash/internal/ingest"
	"github.com/example/ride-dash/internal/lifecycle"
	"github.com/example/ride-dash/internal/logging"
	"github.com/example/ride-dash/internal/session"
	"github.com/example/ride-dash/internal/storage"
	"github.com/example/ride-dash/internal/tracker"
)

type store interface {
	storage.RideStore
	storage.UserStore
	Close() error
}

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error

	var st store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN, logger)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return err
			}
		}
		checks = append(checks, ps.Ping)
		st = ps
	} else {
		logger.Warn("using_memory_store")
		st = storage.NewMemoryStore()
	}
	defer st.Close()

	var cache geo.LookupCache = geo.NewMemoryCache(cfg.GeocodeCacheTTL)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		cache = geo.NewRedisCache(rc, "ride-dash:", cfg.GeocodeCacheTTL)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var events ingest.EventSink = ingest.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		events = kp
	}

	var gw dispatch.Gateway = dispatch.LogGateway{Logger: logger}
	if cfg.Twilio.Enabled() {
		gw = dispatch.NewTwilioGateway(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber, cfg.SMSTimeout)
	} else {
		logger.Warn("sms_disabled", "reason", "twilio credentials not set")
	}
	sms := dispatch.NewDispatcher(gw, cfg.SMSTimeout, logger)
	defer sms.Wait()

	identities, err := identityVerifier(cfg.Identity)
	if err != nil {
		return err
	}
	sessions := session.NewService(st, session.NewRolePolicy(cfg.DriverEmails), logger)
	rides := lifecycle.NewService(st, sessions, sms, events, logger, lifecycle.Options{
		Mode:       cfg.AcceptMode,
		AppName:    cfg.AppName,
		AppURL:     cfg.AppURL,
		AdminPhone: cfg.AdminPhone,
	})
	feeds := feed.NewManager(st, logger)
	defer feeds.Close()
	positions := tracker.NewChannelSource()
	trk := tracker.New(st, positions, events, cfg.LocationThrottle, logger)
	defer trk.Close()
	sockets := dispatch.NewWSRegistry()

	geocoder := geo.NewNominatim(cfg.NominatimURL, cfg.AppName, cfg.ExternalTimeout, cache, logger)
	geocoder.BiasLat, geocoder.BiasLng = cfg.SearchBiasLat, cfg.SearchBiasLng

	api := httpapi.NewServer(httpapi.Deps{
		Sessions:   sessions,
		Identities: identities,
		Tokens:     session.NewTokens(cfg.JWTSecret, cfg.SessionTTL),
		Rides:      rides,
		Feeds:      feeds,
		Tracker:    trk,
		Positions:  positions,
		Sockets:    sockets,
		Geocoder:   geocoder,
		Router:     eta.NewOSRMClient(cfg.OSRMURL, cfg.ExternalTimeout, cache, logger),
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", cfg.HTTPAddr, "accept_mode", cfg.AcceptMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// hijacked feed sockets are not tracked by Shutdown
	sockets.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err)
	}
	return nil
}

func identityVerifier(c config.IdentityConfig) (*session.Verifier, error) {
	if c.PublicKeyPEM != "" {
		return session.NewRSAVerifier(c.Issuer, c.Audience, []byte(c.PublicKeyPEM))
	}
	return session.NewHMACVerifier(c.Issuer, c.Audience, c.Secret)
}
