package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentrylogrus "github.com/getsentry/sentry-go/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/payjoinlabs/payjoind/internal/config"
	"github.com/payjoinlabs/payjoind/internal/core/application"
	"github.com/payjoinlabs/payjoind/internal/infrastructure/db"
	"github.com/payjoinlabs/payjoind/internal/infrastructure/directory"
	ohttpinfra "github.com/payjoinlabs/payjoind/internal/infrastructure/ohttp"
	scheduler "github.com/payjoinlabs/payjoind/internal/infrastructure/scheduler/gocron"
	"github.com/payjoinlabs/payjoind/internal/infrastructure/wallet/bitcoind"
	"github.com/payjoinlabs/payjoind/internal/interface/rest"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	sentryEnabled := !cfg.DisableTelemetry && cfg.SentryDsn != ""

	if sentryEnabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDsn,
			Environment:      "prod",
			AttachStacktrace: true,
			Release:          version,
		}); err != nil {
			log.Fatal(err)
		}

		sentryLevels := []log.Level{log.ErrorLevel, log.FatalLevel, log.PanicLevel}
		sentryHook, err := sentrylogrus.New(sentryLevels, sentry.ClientOptions{
			Dsn:              cfg.SentryDsn,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Fatal(err)
		}

		log.AddHook(sentryHook)

		defer func() {
			sentry.Flush(5 * time.Second)
			sentryHook.Flush(5 * time.Second)
		}()
	}

	log.Info("starting payjoind...")

	dbSvc, err := db.NewService(db.ServiceConfig{
		DbType:   cfg.DbType,
		DbConfig: []any{cfg.Datadir, nil},
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}

	walletSvc, err := bitcoind.NewService(bitcoind.Config{
		Host:     cfg.BitcoindHost,
		User:     cfg.BitcoindUser,
		Password: cfg.BitcoindPassword,
		Wallet:   cfg.BitcoindWallet,
	}, cfg.NetworkParams())
	if err != nil {
		log.WithError(err).Fatal("failed to connect to wallet")
	}

	schedulerSvc := scheduler.NewScheduler()
	schedulerSvc.Start()

	buildInfo := application.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	appSvc, err := application.NewService(
		buildInfo,
		application.Config{
			Network:       cfg.NetworkParams(),
			Directory:     cfg.Directory(),
			OhttpRelay:    cfg.Relay(),
			OhttpKeys:     cfg.Keys(),
			SessionExpiry: cfg.SessionLifetime(),
			MinFeeRate:    cfg.MinFeeRateSatPerVByte(),
			MaxFeeRate:    cfg.MaxFeeRateSatPerVByte(),
		},
		dbSvc, walletSvc, schedulerSvc,
		directory.NewClient(30*time.Second),
		ohttpinfra.NewSealer(),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init application service")
	}

	restSvc := rest.NewService(cfg.HTTPPort, appSvc)

	log.RegisterExitHandler(func() {
		restSvc.Stop()
		appSvc.Stop()
	})

	log.Info("starting service...")
	restSvc.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
}
