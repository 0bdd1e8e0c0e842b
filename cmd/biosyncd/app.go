package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/anviz"
	"attendance-sync-backend/internal/db"
	"attendance-sync-backend/internal/device"
	"attendance-sync-backend/internal/dispatch"
	"attendance-sync-backend/internal/infra"
	"attendance-sync-backend/internal/ledger"
	"attendance-sync-backend/internal/normalize"
	"attendance-sync-backend/internal/notification"
	"attendance-sync-backend/internal/orchestrator"
	"attendance-sync-backend/internal/store"
)

// app is the wired engine shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *gorm.DB
	store   store.Store
	engine  *orchestrator.Orchestrator
	alerts  *notification.WorkerPool
	webpush *webpush.Options

	closeLedger func() error
}

func newApp(cfg *config.Config) (*app, error) {
	log := infra.SetupLogger(cfg.Log, os.Stdout)
	slog.SetDefault(log)

	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	appStore := store.NewGormStore(gormDB)

	cloud := anviz.NewClient(anviz.Options{
		Timeout:        cfg.CloudAPI.RequestTimeout,
		PerPage:        cfg.CloudAPI.PerPage,
		RequestsPerSec: cfg.CloudAPI.RequestsPerSec,
		HTTPProxy:      cfg.CloudAPI.HTTPProxy,
	}, log.With("component", "anviz"))
	tokens := anviz.NewTokenManager(cloud, appStore, log.With("component", "tokens"))

	factory, err := device.NewFactory(device.OptionsFromConfig(cfg), cloud, tokens, log.With("component", "device"))
	if err != nil {
		return nil, err
	}

	l, closeLedger, err := ledger.New(cfg.Ledger, log.With("component", "ledger"))
	if err != nil {
		return nil, err
	}

	var lookup *normalize.StoreLookup
	if cfg.Directory.URL != "" {
		lookup = normalize.NewStoreLookup(appStore, ledger.NewHTTPDirectory(cfg.Directory.URL, cfg.Ledger.RequestTimeout), 0)
	} else {
		lookup = normalize.NewStoreLookup(appStore, nil, 0)
	}

	a := &app{
		cfg:         cfg,
		log:         log,
		db:          gormDB,
		store:       appStore,
		closeLedger: closeLedger,
	}

	deps := orchestrator.Deps{
		Store:   appStore,
		Clients: factory,
		Lookup:  lookup,
		Sink:    dispatch.NewSink(l, log.With("component", "dispatch")),
		Tokens:  tokens,
		Log:     log.With("component", "orchestrator"),
	}

	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		a.webpush = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
	}
	if cfg.Alerts.Enabled {
		if a.webpush == nil {
			log.Warn("alerts are enabled but VAPID keys are not configured; alerts are disabled")
		} else {
			a.alerts = notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, a.webpush, cfg.Alerts.Suppress, log.With("component", "alerts"))
			deps.Alerts = a.alerts
		}
	}

	a.engine = orchestrator.New(deps, orchestrator.OptionsFromConfig(cfg))
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.closeLedger != nil {
		errs = append(errs, a.closeLedger())
	}
	if sqlDB, err := a.db.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	}
	return errors.Join(errs...)
}
