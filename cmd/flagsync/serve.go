package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"flagsync/client"
	"flagsync/internal/api"
	"flagsync/internal/config"
	"flagsync/internal/metrics"
	"flagsync/internal/middleware"
	"flagsync/internal/model"
	"flagsync/internal/repository"
	"flagsync/internal/service"
	"flagsync/pkg/logger"

	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reconcilerLockKey = "/flagsync/locks/reconciler"
	shutdownTimeout   = 10 * time.Second
	// the immediate edge attempt gets this long before the worker may retry
	forwardGrace = 30 * time.Second
)

func serve(ctx context.Context, cfg *config.Config) error {
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := openDB(cfg.Database)
	if err != nil {
		return err
	}

	session, err := concurrency.NewSession(etcdCli, concurrency.WithTTL(10))
	if err != nil {
		return fmt.Errorf("failed to open etcd session: %w", err)
	}
	defer session.Close()

	// repositories
	envRepo := repository.NewEnvironmentRepository(db)
	identityRepo := repository.NewIdentityRepository(db)
	traitRepo := repository.NewTraitRepository(db)
	versionRepo := repository.NewVersionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	replicaRepo := repository.NewReplicaRepository(etcdCli)

	// services
	observer := metrics.NewPrometheusObserver()
	var sender service.EdgeSender
	if cfg.Edge.URL != "" {
		sender = client.NewEdgeClient(cfg.Edge.URL, cfg.Edge.RequestTimeout)
	}
	forwarder := service.NewEdgeForwarder(outboxRepo, sender, sender != nil, cfg.Edge.RequestTimeout, forwardGrace, observer)
	replicator := service.NewVersionReplicator(replicaRepo)

	traitSvc := service.NewTraitService(db, identityRepo, traitRepo, forwarder, observer, cfg.Traits.MaxStringLength)
	versionSvc := service.NewVersionService(db, envRepo, versionRepo, auditRepo, outboxRepo, replicator, observer)
	resolver := service.NewEnvironmentResolver(envRepo, rdb, cfg.Cache.EnvironmentTTL)
	authSvc := service.NewAuthService(rdb, service.AuthCredentials{
		Username:   cfg.Auth.AdminUsername,
		Password:   cfg.Auth.AdminPassword,
		SigningKey: []byte(cfg.Auth.SigningKey),
	}, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval, cfg.Stream.HubBufferSize)
	feed := service.NewVersionFeed(replicaRepo, hub, cfg.Stream.RevisionBuffer)

	worker := service.NewOutboxWorker(outboxRepo, cfg.Workers.OutboxInterval, cfg.Workers.OutboxBatchSize, cfg.Workers.MaxRetries)
	worker.Register(model.TaskEdgeForward, forwarder)
	worker.Register(model.TaskVersionPublish, replicator)

	reconciler := service.NewReconciler(
		concurrency.NewMutex(session, reconcilerLockKey),
		replicaRepo, versionRepo,
		cfg.Workers.ReconcilerInterval,
		cfg.Workers.ReconcilerBatchSize,
		cfg.Workers.ReconcilerBatchDelay,
	)

	router := api.RegisterRoutes(api.Handlers{
		Trait:    api.NewTraitHandler(traitSvc),
		Identity: api.NewIdentityHandler(traitSvc, resolver),
		Version:  api.NewVersionHandler(versionSvc, resolver),
		Stream:   api.NewStreamHandler(feed, hub),
		Auth:     api.NewAuthHandler(authSvc),
	}, api.RouterDeps{
		Keys:        resolver,
		Tokens:      authSvc,
		Limiter:     middleware.NewRateLimiter(rdb, cfg.RateLimit.RequestsPerSecond),
		CORSOrigins: cfg.Server.CORSOrigins,
		DevMode:     cfg.Server.Environment == "dev",
	})

	srv := &http.Server{
		Addr:              listenAddr(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	background := map[string]func(context.Context){
		"hub":           hub.Run,
		"version feed":  feed.Run,
		"outbox worker": worker.Run,
		"reconciler":    reconciler.Run,
	}
	for name, run := range background {
		name, run := name, run
		g.Go(func() error {
			logger.Info("starting " + name)
			run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Server.Environment),
			zap.Bool("edge_forwarding", forwarder.Enabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited properly")
	return nil
}

func listenAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
