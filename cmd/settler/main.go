package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/flowvault/internal/config"
	"github.com/terminal-bench/flowvault/internal/ledger"
	"github.com/terminal-bench/flowvault/internal/settler"
	"github.com/terminal-bench/flowvault/internal/vault"
	"github.com/terminal-bench/flowvault/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.SettleAuthority == uuid.Nil {
		log.Fatal("SETTLE_AUTHORITY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	natsClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           "settler",
		ReconnectWait:  time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer etcdClient.Close()

	ledgerSvc := ledger.New(db, natsClient)
	vaultSvc := vault.NewService(
		vault.NewPostgresStore(db, ledgerSvc),
		vault.ServiceConfig{
			Policy: vault.SettlePolicy(cfg.SettlePolicy),
			Events: natsClient,
		},
	)

	hostname, _ := os.Hostname()
	worker := settler.New(vaultSvc, etcdClient, settler.Config{
		Authority: cfg.SettleAuthority,
		ID:        hostname,
		Interval:  cfg.SweepInterval,
		Limit:     cfg.SweepLimit,
	})

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("settler: %v", err)
	}
}
