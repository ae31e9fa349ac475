package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Arcneell/Inframate/internal/api"
	"github.com/Arcneell/Inframate/internal/cache"
	"github.com/Arcneell/Inframate/internal/config"
	"github.com/Arcneell/Inframate/internal/database"
	"github.com/Arcneell/Inframate/internal/email/connector"
	"github.com/Arcneell/Inframate/internal/email/inbound/classifier"
	"github.com/Arcneell/Inframate/internal/email/inbound/postmaster"
	"github.com/Arcneell/Inframate/internal/email/outbound"
	"github.com/Arcneell/Inframate/internal/email/provider"
	"github.com/Arcneell/Inframate/internal/email/templates"
	"github.com/Arcneell/Inframate/internal/mailstore"
	"github.com/Arcneell/Inframate/internal/metrics"
	"github.com/Arcneell/Inframate/internal/runner"
	"github.com/Arcneell/Inframate/internal/runner/tasks"
	"github.com/Arcneell/Inframate/internal/secrets"
	"github.com/Arcneell/Inframate/internal/ticketnumber"
)

// app holds every wired component of one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	metrics *metrics.Metrics

	lock       ticketnumber.DayLock
	numbers    *ticketnumber.Generator
	transports *connector.Cache
	configs    *provider.Repository
	tester     *provider.Tester
	sent       *mailstore.SentLog
	inbound    *mailstore.InboundStore
	composer   *outbound.Composer
	notifier   *outbound.Notifier
	retrier    *outbound.Retrier
	poller     *postmaster.Service
	leaser     cache.Leaser
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	dialect, err := database.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	a.lock, err = ticketnumber.ResolveLock(dialect, cfg.Database.LockBackend, cfg.Database.LockTimeout)
	if err != nil {
		return nil, err
	}
	a.db, err = database.Open(ctx, dialect, cfg.Database.GetDSN(), database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	a.numbers = ticketnumber.New(a.lock, ticketnumber.NewDBStore(dialect),
		ticketnumber.WithLogger(logger),
		ticketnumber.WithLockObserver(a.metrics.ObserveSequenceLock),
	)

	var box *secrets.Box
	if cfg.Email.EncryptionKey != "" {
		if box, err = secrets.New(cfg.Email.EncryptionKey); err != nil {
			return nil, err
		}
	}
	a.configs = provider.NewRepository(a.db, box)
	a.sent = mailstore.NewSentLog(a.db)
	a.inbound = mailstore.NewInboundStore(a.db)

	a.transports = connector.NewCache(connector.DefaultFactory(
		[]connector.DirectOption{
			connector.WithDirectLogger(logger),
			connector.WithDirectDialTimeout(cfg.Email.DialTimeout),
		},
		[]connector.GraphOption{
			connector.WithGraphLogger(logger),
			connector.WithGraphEndpoints(cfg.Email.Graph.BaseURL, cfg.Email.Graph.Authority),
			connector.WithGraphRateLimit(cfg.Email.Graph.RateLimit, cfg.Email.Graph.Burst),
		},
	))
	a.tester = provider.NewTester(a.transports, cfg.Email.TestTimeout, logger)

	a.composer = outbound.NewComposer(a.configs, a.sent, a.transports,
		outbound.WithDomain(cfg.App.Domain),
		outbound.WithAppName(cfg.App.Name),
		outbound.WithLogger(logger),
		outbound.WithMetrics(a.metrics),
	)
	renderer, err := templates.New(cfg.App.SiteName, cfg.App.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("load notification templates: %w", err)
	}
	tickets := mailstore.NewTicketLookup(a.db)
	a.notifier = outbound.NewNotifier(a.composer, renderer, tickets, logger)
	a.retrier = outbound.NewRetrier(a.sent, a.composer, cfg.Email.MaxRetries, cfg.Email.RetryBatch, logger, a.metrics)

	if cfg.Redis.Enabled {
		redisLeaser, err := cache.NewRedisLeaser(ctx, cache.RedisConfig{
			Addrs:        cfg.Redis.Addrs,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.leaser = redisLeaser
		a.closers = append(a.closers, redisLeaser.Close)
	} else {
		a.leaser = cache.NewLocalLeaser()
	}

	dispatcher := postmaster.NewTicketProcessor(a.db, a.numbers,
		postmaster.WithTicketProcessorLogger(logger),
		postmaster.WithTicketProcessorNotifier(a.notifier),
	)
	a.poller = postmaster.New(a.configs, a.transports, a.inbound,
		classifier.New(tickets, a.sent, logger),
		mailstore.NewUserLookup(a.db), dispatcher, a.leaser,
		postmaster.Options{
			Limit:       cfg.Email.PollLimit,
			Concurrency: cfg.Email.PollConcurrency,
			LeaseTTL:    cfg.Email.LeaseTTL,
			Logger:      logger,
			Metrics:     a.metrics,
		},
	)
	return a, nil
}

// checkSequenceLock proves the configured lock backend works against the
// live database before anything can assign a ticket number.
func (a *app) checkSequenceLock(ctx context.Context) error {
	if err := a.lock.CheckCapability(ctx, a.db); err != nil {
		return fmt.Errorf("ticket number lock %s: %w", a.lock.Name(), err)
	}
	return nil
}

func (a *app) tasks() (*runner.TaskRegistry, error) {
	reg := runner.NewTaskRegistry()
	err := errors.Join(
		reg.Register(tasks.NewPollTask(a.poller, a.cfg.Email.PollSchedule, a.cfg.Email.PollTimeout, a.logger)),
		reg.Register(tasks.NewRetryTask(a.retrier, a.cfg.Email.RetrySchedule, 0, a.logger)),
	)
	return reg, err
}

func (a *app) router() *api.EmailHandler {
	return &api.EmailHandler{
		Configs:     a.configs,
		Tester:      a.tester,
		Transports:  a.transports,
		Cache:       a.transports,
		Poller:      a.poller,
		Sent:        a.sent,
		Inbound:     a.inbound,
		Logger:      a.logger,
		CallTimeout: a.cfg.Email.TestTimeout,
	}
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
