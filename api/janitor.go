/*
janitor.go - Background expiry and payment cleanup

PURPOSE:

	Periodically sweeps credentials whose validity window has elapsed and
	payment rows that no longer matter. Expiry itself needs no write to be
	enforced (validity is derived from activation time), so the janitor is
	bookkeeping: it flips expired rows inactive, evicts their cache
	entries, and keeps the payments table from growing without bound.

DESIGN:
  - Runs a background goroutine with a configurable sweep interval
  - Batch size is capped per tick so a large backlog cannot hold the
    store for long
  - Every write happens one row at a time, outside any purchase lock
  - Failures are logged and retried on the next tick

CONFIGURATION:
  - SweepInterval:    how often to sweep (default: 5 minutes)
  - BatchSize:        max expired credentials per tick (default: 500)
  - PaymentRetention: how long canceled payments are kept (default: 30 days)

USAGE:

	janitor := api.NewJanitor(store, fast)
	janitor.Start()
	// ... later
	janitor.Stop()

SEE ALSO:
  - credential/validator.go: expiry enforcement on the hot path
  - payment/gateway.go: pending payment lifecycle
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/keygate/credential-engine/cache"
	"github.com/keygate/credential-engine/ledger"
)

// Janitor handles periodic expiry sweeps and payment cleanup.
type Janitor struct {
	Store            ledger.TxStore
	Fast             cache.FastTier
	SweepInterval    time.Duration
	BatchSize        int
	PaymentRetention time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	now    func() time.Time
}

// NewJanitor creates a janitor with default intervals.
func NewJanitor(store ledger.TxStore, fast cache.FastTier) *Janitor {
	return &Janitor{
		Store:            store,
		Fast:             fast,
		SweepInterval:    5 * time.Minute,
		BatchSize:        500,
		PaymentRetention: 30 * 24 * time.Hour,
		now:              time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// Start begins the background sweep loop.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.ticker = time.NewTicker(j.SweepInterval)
	j.stop = make(chan struct{})
	j.wg.Add(1)

	// The loop holds its own references so Stop can release j.ticker
	// without racing the channel reads.
	go j.run(j.ticker, j.stop)

	log.Printf("[Janitor] Started with sweep interval: %v", j.SweepInterval)
}

// Stop stops the sweep loop and waits for any in-flight sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.ticker != nil {
		j.ticker.Stop()
		j.ticker = nil
		close(j.stop)
		j.wg.Wait()
		log.Println("[Janitor] Stopped")
	}
}

func (j *Janitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer j.wg.Done()

	// Run immediately on start
	j.Sweep()

	for {
		select {
		case <-ticker.C:
			j.Sweep()
		case <-stop:
			return
		}
	}
}

// Sweep performs one pass: expire credentials, then prune payments.
// Exported so admin tooling and tests can trigger it directly.
func (j *Janitor) Sweep() {
	ctx := context.Background()
	now := j.now()

	expired := j.sweepCredentials(ctx, now)
	pruned := j.prunePayments(ctx, now)

	if expired > 0 || pruned > 0 {
		log.Printf("[Janitor] Completed: %d credentials expired, %d payments pruned", expired, pruned)
	}
}

func (j *Janitor) sweepCredentials(ctx context.Context, now time.Time) int {
	creds, err := j.Store.ListExpiredActive(ctx, now, j.BatchSize)
	if err != nil {
		log.Printf("[Janitor] Error listing expired credentials: %v", err)
		return 0
	}

	count := 0
	for _, c := range creds {
		if err := j.Store.RevokeCredential(ctx, c.ID, now); err != nil {
			log.Printf("[Janitor] Error expiring credential %s: %v", c.ID, err)
			continue
		}
		if err := j.Fast.Delete(ctx, c.TokenHash); err != nil {
			// The cache entry carries its own TTL, so a failed eviction
			// self-heals when the entry expires.
			log.Printf("[Janitor] Error evicting cache entry for %s: %v", c.ID, err)
		} else {
			cache.Evictions.Inc()
		}
		count++
	}
	return count
}

func (j *Janitor) prunePayments(ctx context.Context, now time.Time) int {
	n, err := j.Store.PrunePayments(ctx, now.Add(-j.PaymentRetention))
	if err != nil {
		log.Printf("[Janitor] Error pruning payments: %v", err)
		return 0
	}
	return n
}
