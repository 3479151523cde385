package settler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/terminal-bench/flowvault/internal/vault"
)

const electionPrefix = "/flowvault/settler/leader"

// SettlementService is the slice of the vault service the worker uses.
type SettlementService interface {
	SettleCandidates(ctx context.Context, limit int) ([]vault.Vault, error)
	SettleBatch(ctx context.Context, caller, owner uuid.UUID, amount int64, nonce uint64) (*vault.Settlement, error)
}

// Worker periodically settles vaults that are eligible under the
// min-balance policy, acting as the configured settlement authority.
// Replicas coordinate through etcd leader election so only one worker
// sweeps at a time.
type Worker struct {
	vaults    SettlementService
	etcd      *clientv3.Client
	authority uuid.UUID
	id        string
	interval  time.Duration
	limit     int
}

// Config holds worker configuration.
type Config struct {
	Authority uuid.UUID
	ID        string
	Interval  time.Duration
	Limit     int
}

// New creates a settlement worker.
func New(vaults SettlementService, etcd *clientv3.Client, cfg Config) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &Worker{
		vaults:    vaults,
		etcd:      etcd,
		authority: cfg.Authority,
		id:        id,
		interval:  interval,
		limit:     limit,
	}
}

// Run campaigns for leadership and sweeps until ctx is cancelled or the
// etcd session expires.
func (w *Worker) Run(ctx context.Context) error {
	session, err := concurrency.NewSession(w.etcd, concurrency.WithContext(ctx))
	if err != nil {
		return err
	}
	defer session.Close()

	election := concurrency.NewElection(session, electionPrefix)
	if err := election.Campaign(ctx, w.id); err != nil {
		return err
	}
	defer func() {
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		election.Resign(resignCtx)
	}()

	log.Printf("settler: %s elected leader", w.id)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			return errors.New("etcd session expired")
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep settles every eligible vault's full balance at its current nonce.
// A failure on one vault never stops the sweep; InvalidNonce in particular
// just means someone settled concurrently, and the vault is picked up with
// its fresh nonce on the next pass.
func (w *Worker) Sweep(ctx context.Context) {
	candidates, err := w.vaults.SettleCandidates(ctx, w.limit)
	if err != nil {
		log.Printf("settler: failed to list candidates: %v", err)
		return
	}

	for _, v := range candidates {
		if v.Balance <= 0 {
			continue
		}

		res, err := w.vaults.SettleBatch(ctx, w.authority, v.Owner, v.Balance, v.Nonce)
		if err != nil {
			if !errors.Is(err, vault.ErrInvalidNonce) {
				log.Printf("settler: failed to settle vault %s: %v", v.Owner, err)
			}
			continue
		}

		log.Printf("settler: settled vault %s amount=%d fee=%d nonce=%d",
			res.Owner, res.Amount, res.Fee, res.Nonce)
	}
}
