package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
	"github.com/HanTheDev/plugin-pay-gateway/internal/ledger"
	"github.com/HanTheDev/plugin-pay-gateway/internal/models"
)

// Consumer submits a consumption authorization to the ledger.
type Consumer interface {
	Consume(ctx context.Context, req ledger.ConsumeRequest) (string, error)
}

type ReconcilerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	// longer than the ledger's confirmation wait
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Backoff is the delay after the given failed attempt (1-based): base
// doubled per prior attempt, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Reconciler drains the outbox into the ledger. Delivery is at least once;
// the ledger rejects a receipt hash it has already consumed.
type Reconciler struct {
	outbox   Outbox
	consumer Consumer
	cfg      ReconcilerConfig
	kick     chan struct{}
	now      func() time.Time
}

func NewReconciler(outbox Outbox, consumer Consumer, cfg ReconcilerConfig) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		outbox:   outbox,
		consumer: consumer,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Kick requests a sweep without waiting for the next tick.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run sweeps on every tick or kick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval %s)", r.cfg.Interval)
	for {
		if _, err := r.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("reconciler: sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
	}
}

// SweepOnce submits every due task once and returns how many were submitted.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	submitted := 0
	for {
		tasks, err := r.outbox.ClaimDue(ctx, r.now(), r.cfg.Lease, r.cfg.BatchSize)
		if err != nil {
			return submitted, fmt.Errorf("claim due tasks: %w", err)
		}
		for _, t := range tasks {
			if r.process(ctx, t) {
				submitted++
			}
		}
		if len(tasks) < r.cfg.BatchSize {
			return submitted, nil
		}
	}
}

func (r *Reconciler) process(ctx context.Context, t *models.ConsumptionTask) bool {
	req, err := consumeRequest(t)
	if err != nil {
		log.Printf("reconciler: receipt %s is malformed, giving up: %v", t.ReceiptHash, err)
		r.markFailed(ctx, t, err.Error(), true)
		return false
	}

	txHash, err := r.consumer.Consume(ctx, req)
	switch {
	case errors.Is(err, ledger.ErrUnconfirmed):
		// simulation passed and the tx is in the mempool; keep its hash
		log.Printf("reconciler: consume %s sent as %s but not yet mined", t.ReceiptHash, txHash)
	case errors.Is(err, ledger.ErrReverted):
		log.Printf("reconciler: ledger refused %s, giving up: %v", t.ReceiptHash, err)
		r.markFailed(ctx, t, err.Error(), true)
		return false
	case err != nil:
		attempt := t.Attempts + 1
		terminal := attempt >= r.cfg.MaxAttempts
		log.Printf("reconciler: consume %s failed (attempt %d/%d): %v", t.ReceiptHash, attempt, r.cfg.MaxAttempts, err)
		r.markFailed(ctx, t, err.Error(), terminal)
		return false
	}

	if err := r.outbox.MarkSubmitted(ctx, t.ReceiptHash, txHash); err != nil {
		log.Printf("reconciler: failed to mark %s submitted: %v", t.ReceiptHash, err)
	}
	log.Printf("reconciler: usage consumed for plugin %d, tx: %s", t.PluginID, txHash)
	return true
}

func (r *Reconciler) markFailed(ctx context.Context, t *models.ConsumptionTask, msg string, terminal bool) {
	next := r.now().Add(Backoff(t.Attempts+1, r.cfg.BaseBackoff, r.cfg.MaxBackoff))
	if err := r.outbox.MarkFailed(ctx, t.ReceiptHash, msg, next, terminal); err != nil {
		log.Printf("reconciler: failed to record failure for %s: %v", t.ReceiptHash, err)
	}
}

func consumeRequest(t *models.ConsumptionTask) (ledger.ConsumeRequest, error) {
	cost, ok := new(big.Int).SetString(t.Cost, 10)
	if !ok {
		return ledger.ConsumeRequest{}, fmt.Errorf("invalid cost %q", t.Cost)
	}
	sig, err := ethsig.DecodeSignature(t.Signature)
	if err != nil {
		return ledger.ConsumeRequest{}, err
	}
	return ledger.ConsumeRequest{
		PluginID:    t.PluginID,
		ReceiptHash: common.HexToHash(t.ReceiptHash),
		Cost:        cost,
		Signature:   sig,
	}, nil
}
