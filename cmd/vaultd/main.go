package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/flowvault/internal/archive"
	"github.com/terminal-bench/flowvault/internal/auth"
	"github.com/terminal-bench/flowvault/internal/config"
	"github.com/terminal-bench/flowvault/internal/gateway"
	"github.com/terminal-bench/flowvault/internal/ledger"
	"github.com/terminal-bench/flowvault/internal/telemetry"
	"github.com/terminal-bench/flowvault/internal/vault"
	"github.com/terminal-bench/flowvault/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, ensure := range []func(context.Context, *sql.DB) error{
		auth.EnsureSchema, ledger.EnsureSchema, vault.EnsureSchema,
	} {
		if err := ensure(ctx, db); err != nil {
			log.Fatalf("Failed to create schema: %v", err)
		}
	}

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "vaultd",
		ReconnectWait:  time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	ledgerSvc := ledger.New(db, natsClient)

	var metrics vault.Recorder
	if cfg.InfluxURL != "" {
		recorder := telemetry.NewInfluxRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
		metrics = recorder
	}

	vaultSvc := vault.NewService(
		vault.NewPostgresStore(db, ledgerSvc),
		vault.ServiceConfig{
			Policy:  vault.SettlePolicy(cfg.SettlePolicy),
			Events:  natsClient,
			Metrics: metrics,
		},
	)

	authSvc := auth.NewService(db, ledgerSvc, cfg.JWTSecret)

	gw := gateway.New(gateway.Config{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		RedisAddr:       cfg.RedisURL,
		DefaultFeeSink:  cfg.FeeSinkAccount,
	}, vaultSvc, authSvc, natsClient)

	if cfg.MinioEndpoint != "" {
		archiver, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, natsClient)
		if err != nil {
			log.Fatalf("Failed to start archiver: %v", err)
		}
		if err := archiver.Start(ctx); err != nil {
			log.Fatalf("Failed to subscribe archiver: %v", err)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("vaultd listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("vaultd: %v", err)
	}
}
