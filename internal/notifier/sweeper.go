package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

// Lister finds sessions by state
type Lister interface {
	ListByState(ctx context.Context, state exchange.State, updatedBefore time.Time) ([]exchange.Session, error)
}

// Sweeper looks for sessions whose payment was confirmed but whose payout
// never got recorded, and alerts admins once per charge
type Sweeper struct {
	store      Lister
	notifier   *Notifier
	stuckAfter time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	reported map[string]bool
}

// NewSweeper creates a new sweeper
func NewSweeper(store Lister, n *Notifier, stuckAfter time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		notifier:   n,
		stuckAfter: stuckAfter,
		log:        log,
		now:        time.Now,
		reported:   make(map[string]bool),
	}
}

// Start runs the sweep loop until ctx is done
func (sw *Sweeper) Start(ctx context.Context, interval time.Duration) {
	sw.log.Info("sweeper started",
		"stuck_after", sw.stuckAfter,
		"interval", interval,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil {
				sw.log.Error("sweep", "error", err)
			}
		}
	}
}

// Sweep alerts about stuck sessions not reported yet and returns how many
// alerts went out. Charges no longer stuck are forgotten.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	stuck, err := sw.store.ListByState(ctx, exchange.StatePaymentReceived, sw.now().Add(-sw.stuckAfter))
	if err != nil {
		return 0, err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	var sent int
	current := make(map[string]bool, len(stuck))
	for _, s := range stuck {
		current[s.ChargeID] = true
		if sw.reported[s.ChargeID] {
			continue
		}
		sw.reported[s.ChargeID] = true

		sw.log.Warn("stuck exchange",
			"user_id", s.UserKey,
			"charge_id", s.ChargeID,
			"since", s.UpdatedAt,
		)
		sw.notifier.Stuck(ctx, s)
		sent++
	}

	for chargeID := range sw.reported {
		if !current[chargeID] {
			delete(sw.reported, chargeID)
		}
	}
	return sent, nil
}
