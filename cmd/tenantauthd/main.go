// Command tenantauthd serves the tenantauth engine over HTTP.
//
// Configuration comes from an optional TOML file (-config), then
// TENANTAUTH_* variables; a .env file in the working directory is loaded
// first. Daemon-only settings use TENANTAUTHD_*.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Torutesu/tenantauth"
	"github.com/Torutesu/tenantauth/notify"
)

type daemonConfig struct {
	Addr            string            `env:"ADDR" envDefault:":8080"`
	IdentitiesFile  string            `env:"IDENTITIES_FILE" envDefault:"identities.toml"`
	LogLevel        slog.Level        `env:"LOG_LEVEL" envDefault:"info"`
	AuditLog        bool              `env:"AUDIT_LOG" envDefault:"true"`
	SMTP            notify.SMTPConfig `envPrefix:"SMTP_"`
	SNSRegion       string            `env:"SNS_REGION"`
	SNSSenderID     string            `env:"SNS_SENDER_ID"`
	ShutdownTimeout time.Duration     `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env", slog.String("error", err.Error()))
	}

	if err := run(*configPath); err != nil {
		slog.Error("tenantauthd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	var dcfg daemonConfig
	if err := env.ParseWithOptions(&dcfg, env.Options{Prefix: "TENANTAUTHD_"}); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: dcfg.LogLevel}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	identities, err := loadIdentities(dcfg.IdentitiesFile)
	if err != nil {
		_ = store.Close()
		return err
	}

	notifier, err := buildNotifier(ctx, dcfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	builder := tenantauth.New().
		WithConfig(cfg).
		WithStore(store).
		WithIdentityProvider(identities).
		WithNotifier(notifier).
		WithRoles(identities.Roles()).
		WithLogger(logger)
	if dcfg.AuditLog {
		builder = builder.WithAuditSink(tenantauth.NewSlogAuditSink(logger.With(slog.String("stream", "audit"))))
	}
	engine, err := builder.Build()
	if err != nil {
		_ = store.Close()
		return err
	}
	// the store was passed in, so the engine does not close it
	defer store.Close()
	defer engine.Close()

	if cfg.Janitor.Interval > 0 {
		engine.StartJanitor(ctx, cfg.Janitor.Interval)
	}

	srv := &http.Server{
		Addr:         dcfg.Addr,
		Handler:      newRouter(engine, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", dcfg.Addr), slog.String("store", cfg.Store.Backend))
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

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), dcfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (tenantauth.Config, error) {
	if path != "" {
		return tenantauth.LoadConfigFile(path)
	}
	return tenantauth.LoadConfigFromEnv()
}

// buildNotifier routes email to SMTP and SMS to SNS when configured. An
// unconfigured channel logs instead of sending.
func buildNotifier(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (notify.Notifier, error) {
	fallback := notify.Log{Logger: logger}
	router := notify.Router{
		notify.ChannelEmail: fallback,
		notify.ChannelSMS:   fallback,
	}

	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewSMTP(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		router[notify.ChannelEmail] = mailer
	} else {
		logger.Warn("smtp not configured, emails are logged only")
	}

	if cfg.SNSRegion != "" {
		sms, err := notify.NewSNSFromRegion(ctx, cfg.SNSRegion, cfg.SNSSenderID)
		if err != nil {
			return nil, err
		}
		router[notify.ChannelSMS] = sms
	} else {
		logger.Warn("sns not configured, sms codes are logged only")
	}
	return router, nil
}
