package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"rentd/config"
	"rentd/internal/api"
	"rentd/internal/cache"
	"rentd/internal/controller"
	"rentd/internal/db"
	"rentd/internal/health"
	"rentd/internal/logs"
	"rentd/internal/metrics"
	"rentd/internal/middleware"
	"rentd/internal/notify"
	"rentd/internal/poller"
	"rentd/internal/realtime"
	"rentd/internal/reclaim"
	"rentd/internal/rental"
	"rentd/internal/repo"
	"rentd/internal/revoke"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	rdb        *redis.Client
	nc         *nats.Conn
	Router     *mux.Router
	httpServer *http.Server

	Hub          *realtime.Hub
	Rental       *rental.Service
	Reclaimer    *reclaim.Reclaimer
	Orchestrator *controller.Orchestrator

	memCache *cache.Memory
}

// Initialize собирает все компоненты по конфигу. Внешние зависимости
// (БД, Redis, NATS, сервис отзыва) опциональны: без них работает
// in-memory/лог-режим.
func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	/* 1) Логи и метрики */
	if err := logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return fmt.Errorf("logs init: %w", err)
	}
	metrics.Register(prometheus.DefaultRegisterer)

	/* 2) DB (опционально) */
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, db.Pool{
		MaxOpen:     cfg.Database.MaxOpenConns,
		MaxIdle:     cfg.Database.MaxIdleConns,
		MaxLifetime: cfg.Database.ConnMaxLife,
	})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	a.db = d
	if a.db != nil {
		if err := db.Migrate(a.db); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}

	/* 3) Хранилища */
	var (
		accounts repo.AccountRepo
		tenants  tenantSource
		audit    auditStore
	)
	if a.db != nil {
		accounts = repo.NewAccountStore(a.db)
		tenants = repo.NewTenantStore(a.db)
		audit = repo.NewAuditStore(a.db)
	} else {
		logs.Logger.Warn("database.driver is empty: using in-memory stores")
		accounts = repo.NewMemAccountStore()
		tenants = repo.NewMemTenantSource()
	}

	/* 4) Кэш списков */
	var accountCache cache.AccountCache
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewRedisClient(context.Background(), cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.rdb = rdb
		accountCache = cache.NewRedis(rdb, cfg.Redis.TTL)
	} else {
		a.memCache = cache.NewMemory(cfg.Redis.TTL)
		accountCache = a.memCache
	}

	/* 5) Уведомления и отзыв */
	var bus notify.Bus
	if cfg.NATS.URL != "" {
		nc, err := notify.ConnectNATS(notify.NATSOptions{URL: cfg.NATS.URL, Name: "rentd"})
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		a.nc = nc
		bus = nc
	}
	var appender notify.AuditAppender
	if audit != nil {
		appender = audit
	}
	sink := notify.NewSink(bus, appender, cfg.NATS.SubjectPrefix)

	var revoker rental.Revoker = revoke.Noop{}
	if cfg.Revocation.URL != "" {
		revoker = revoke.New(revoke.Options{
			URL:     cfg.Revocation.URL,
			Token:   cfg.Revocation.Token,
			Timeout: cfg.Revocation.Timeout,
		})
	}

	/* 6) Домен */
	a.Hub = realtime.NewHub(realtime.Options{QueueSize: cfg.Realtime.QueueSize})
	a.Rental, err = rental.NewService(rental.Deps{
		Store:     accounts,
		Revoker:   revoker,
		Notifier:  sink,
		Publisher: a.Hub,
		Cache:     accountCache,
		MaxDelta:  cfg.Rental.ReplaceMaxDelta,
	})
	if err != nil {
		return fmt.Errorf("rental service: %w", err)
	}
	a.Reclaimer = reclaim.New(a.Rental, reclaim.Options{Interval: cfg.Rental.SweepInterval})

	factory := poller.Factory(tenants,
		poller.NewHTTPClient(cfg.Marketplace.BaseURL, cfg.Workers.CallTimeout),
		NewEventHandler(a.Rental),
		poller.Config{PollInterval: cfg.Workers.PollInterval, CallTimeout: cfg.Workers.CallTimeout},
	)
	a.Orchestrator = controller.NewOrchestrator(tenants, factory, a.Hub, controller.Config{
		Interval:    cfg.Workers.ReconcileInterval,
		StopTimeout: cfg.Workers.StopTimeout,
		Backoff:     cfg.Workers.RestartBackoff,
	})

	/* 7) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
		metrics.Middleware,
	)

	/* 8) Health, метрики, API */
	var checks []health.Check
	if a.db != nil {
		checks = append(checks, health.DBCheck(a.db))
	}
	if r, ok := accountCache.(*cache.Redis); ok {
		checks = append(checks, health.Check{Name: "redis", Fn: r.Ping})
	}
	health.RegisterRoutes(a.Router, checks...)
	a.Router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	var auditList api.AuditLister
	if audit != nil {
		auditList = audit
	}
	api.New(api.Deps{
		Rental:    a.Rental,
		Reclaimer: a.Reclaimer,
		Workers:   a.Orchestrator,
		Hub:       a.Hub,
		Cache:     accountCache,
		Audit:     auditList,
	}).Register(a.Router, []byte(cfg.Auth.JWTSecret))

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

// tenantSource - и источник желаемых воркеров, и учётки для поллера.
type tenantSource interface {
	controller.CredentialSource
	poller.CredentialLookup
}

type auditStore interface {
	notify.AuditAppender
	api.AuditLister
}

// Run поднимает HTTP и фоновые циклы, ждёт SIGINT/SIGTERM и
// останавливает всё в обратном порядке.
func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(supervised(gctx, "reclaimer", a.Reclaimer.Run))
	if a.cfg.Workers.Enabled {
		g.Go(supervised(gctx, "orchestrator", a.Orchestrator.Run))
	}
	if a.memCache != nil {
		g.Go(func() error {
			a.memCache.GC(gctx, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logs.Logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shCtx); err != nil {
			logs.Logger.Errorf("http shutdown: %v", err)
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close освобождает внешние соединения.
func (a *App) Close() {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			logs.Logger.WithError(err).Warn("nats drain")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// supervised - фоновый цикл не роняет группу: ошибка (в т.ч. ErrMisconfigured)
// логируется, HTTP и соседние циклы продолжают работать.
func supervised(ctx context.Context, name string, run func(context.Context) error) func() error {
	return func() error {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logs.Logger.WithError(err).WithField("loop", name).Error("background loop stopped")
		}
		return nil
	}
}
