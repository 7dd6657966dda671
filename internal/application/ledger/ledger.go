package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

const lockStripes = 64

// Ledger is the authoritative bookkeeper for owner capital pools. The
// allocate/release path is the only part of the core that needs strict
// mutual exclusion: two concurrent bot creations for the same owner must
// never over-allocate the pool. Everything goes through a per-owner lock
// (striped) around a read-check-commit sequence.
type Ledger struct {
	store ports.FleetStore

	stripes [lockStripes]sync.Mutex

	frozenMu sync.Mutex
	frozen   map[string]error // ownerID → invariant violation latched on read

	timeFunc func() time.Time
	newID    func() string
}

// New creates a ledger over the given store.
func New(store ports.FleetStore) *Ledger {
	return &Ledger{
		store:    store,
		frozen:   make(map[string]error),
		timeFunc: func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithNow injects a deterministic clock for tests.
func (l *Ledger) WithNow(now func() time.Time) *Ledger {
	l.timeFunc = now
	return l
}

// Allocate commits amount from the owner's pool to the bot. It re-reads the
// owner's allocated sum, checks it against the available balance and writes
// in one indivisible step under the owner's lock. Returns a *domain.CapitalError
// wrapping domain.ErrInsufficientFunds when the pool cannot cover the amount.
func (l *Ledger) Allocate(ctx context.Context, ownerID, botID string, amount float64) error {
	if amount <= 0 {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID,
			Err: fmt.Errorf("non-positive amount %.2f", amount)}
	}

	mu := l.lockFor(ownerID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.frozenErr(ownerID); err != nil {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID, Err: err}
	}

	owner, err := l.store.GetOwner(ctx, ownerID)
	if err != nil {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID, Err: err}
	}

	allocated, err := l.allocatedSum(ctx, ownerID)
	if err != nil {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID, Err: err}
	}
	if viol := l.checkInvariant(owner, allocated); viol != nil {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID, Err: viol}
	}

	if amount > owner.Available(allocated) {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID,
			Err: fmt.Errorf("%w: need %.2f, available %.2f", domain.ErrInsufficientFunds, amount, owner.Available(allocated))}
	}

	// Field-scoped delta: a whole-row save here could clobber a trade
	// result landing on the same bot between our read and the write.
	if err := l.store.AdjustCapital(ctx, botID, ports.CapitalDelta{Allocated: amount}); err != nil {
		return &domain.CapitalError{Op: "allocate", OwnerID: ownerID, BotID: botID, Err: err}
	}

	slog.Debug("ledger: allocated", "owner", ownerID, "bot", botID, "amount", amount)
	return nil
}

// Release returns the bot's allocated capital to the pool and reports the
// amount released. Idempotent: releasing an already-released bot returns 0
// and no error.
func (l *Ledger) Release(ctx context.Context, botID string) (float64, error) {
	bot, err := l.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, domain.ErrBotNotFound) {
			return 0, nil // already gone, nothing to release
		}
		return 0, &domain.CapitalError{Op: "release", BotID: botID, Err: err}
	}

	mu := l.lockFor(bot.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent release may have won.
	bot, err = l.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, domain.ErrBotNotFound) {
			return 0, nil
		}
		return 0, &domain.CapitalError{Op: "release", OwnerID: bot.OwnerID, BotID: botID, Err: err}
	}
	if bot.AllocatedCapital == 0 {
		return 0, nil
	}

	released := bot.AllocatedCapital
	if err := l.store.AdjustCapital(ctx, botID, ports.CapitalDelta{Allocated: -released}); err != nil {
		return 0, &domain.CapitalError{Op: "release", OwnerID: bot.OwnerID, BotID: botID, Err: err}
	}

	slog.Debug("ledger: released", "owner", bot.OwnerID, "bot", botID, "amount", released)
	return released, nil
}

// RecordInjection commits extra capital from the owner's pool into a bot and
// writes the immutable injection record. Injected capital raises the bot's
// current and allocated capital but is tracked apart from trading profit.
func (l *Ledger) RecordInjection(ctx context.Context, botID string, amount float64, source domain.InjectionSource, reason string) error {
	if amount <= 0 {
		return &domain.CapitalError{Op: "inject", BotID: botID,
			Err: fmt.Errorf("non-positive amount %.2f", amount)}
	}

	bot, err := l.store.GetBot(ctx, botID)
	if err != nil {
		return &domain.CapitalError{Op: "inject", BotID: botID, Err: err}
	}

	mu := l.lockFor(bot.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.frozenErr(bot.OwnerID); err != nil {
		return &domain.CapitalError{Op: "inject", OwnerID: bot.OwnerID, BotID: botID, Err: err}
	}

	owner, err := l.store.GetOwner(ctx, bot.OwnerID)
	if err != nil {
		return &domain.CapitalError{Op: "inject", OwnerID: bot.OwnerID, BotID: botID, Err: err}
	}
	allocated, err := l.allocatedSum(ctx, bot.OwnerID)
	if err != nil {
		return &domain.CapitalError{Op: "inject", OwnerID: bot.OwnerID, BotID: botID, Err: err}
	}
	if viol := l.checkInvariant(owner, allocated); viol != nil {
		return &domain.CapitalError{Op: "inject", OwnerID: bot.OwnerID, BotID: botID, Err: viol}
	}
	if amount > owner.Available(allocated) {
		return &domain.CapitalError{Op: "inject", OwnerID: bot.OwnerID, BotID: botID,
			Err: fmt.Errorf("%w: need %.2f, available %.2f", domain.ErrInsufficientFunds, amount, owner.Available(allocated))}
	}

	ownerID := bot.OwnerID

	// The immutable record goes in first: if the capital commit fails the
	// books are short one application, never inflated without a trace.
	inj := domain.CapitalInjection{
		ID:     l.newID(),
		BotID:  botID,
		Amount: amount,
		Source: source,
		Reason: reason,
		At:     l.timeFunc(),
	}
	if err := l.store.AppendInjection(ctx, inj); err != nil {
		return &domain.CapitalError{Op: "inject", OwnerID: ownerID, BotID: botID, Err: err}
	}

	err = l.store.AdjustCapital(ctx, botID, ports.CapitalDelta{
		Allocated: amount, Current: amount, Injections: amount,
	})
	if err != nil {
		return &domain.CapitalError{Op: "inject", OwnerID: ownerID, BotID: botID, Err: err}
	}

	slog.Info("ledger: injection recorded", "bot", botID, "amount", amount, "source", source)
	return nil
}

// RealProfit separates trading skill from injected capital:
// real = gross - injections. Guards against autopilot reinvestment being
// double-counted as performance.
func (l *Ledger) RealProfit(ctx context.Context, botID string) (domain.ProfitReport, error) {
	bot, err := l.store.GetBot(ctx, botID)
	if err != nil {
		return domain.ProfitReport{}, fmt.Errorf("ledger.RealProfit: %w", err)
	}

	trades, err := l.store.TradesSince(ctx, botID, time.Time{})
	if err != nil {
		return domain.ProfitReport{}, fmt.Errorf("ledger.RealProfit: trades: %w", err)
	}
	gross := 0.0
	for _, t := range trades {
		gross += t.PnL
	}

	injections, err := l.store.InjectionsTotal(ctx, botID)
	if err != nil {
		return domain.ProfitReport{}, fmt.Errorf("ledger.RealProfit: injections: %w", err)
	}

	report := domain.ProfitReport{
		Gross:      gross,
		Injections: injections,
		Real:       gross - injections,
	}
	if bot.InitialCapital > 0 {
		report.ROI = report.Real / bot.InitialCapital
	}
	return report, nil
}

// AllocatedSum exposes the owner's current allocated total (read-only, no lock).
func (l *Ledger) AllocatedSum(ctx context.Context, ownerID string) (float64, error) {
	return l.allocatedSum(ctx, ownerID)
}

// Frozen reports whether allocations for the owner are blocked by a latched
// invariant violation.
func (l *Ledger) Frozen(ownerID string) bool {
	l.frozenMu.Lock()
	defer l.frozenMu.Unlock()
	return l.frozen[ownerID] != nil
}

// Reconcile re-checks the owner's books and clears the frozen latch when the
// invariant holds again. Meant for manual operator intervention.
func (l *Ledger) Reconcile(ctx context.Context, ownerID string) error {
	mu := l.lockFor(ownerID)
	mu.Lock()
	defer mu.Unlock()

	owner, err := l.store.GetOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("ledger.Reconcile: %w", err)
	}
	allocated, err := l.allocatedSum(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("ledger.Reconcile: %w", err)
	}
	if allocated+owner.Reserved > owner.TotalBalance {
		return &domain.InvariantViolation{
			OwnerID: ownerID, Allocated: allocated, Reserved: owner.Reserved, Total: owner.TotalBalance,
		}
	}

	l.frozenMu.Lock()
	delete(l.frozen, ownerID)
	l.frozenMu.Unlock()
	slog.Info("ledger: owner reconciled", "owner", ownerID)
	return nil
}

// --- internal helpers ---

func (l *Ledger) lockFor(ownerID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ownerID))
	return &l.stripes[h.Sum32()%lockStripes]
}

func (l *Ledger) frozenErr(ownerID string) error {
	l.frozenMu.Lock()
	defer l.frozenMu.Unlock()
	if viol := l.frozen[ownerID]; viol != nil {
		return fmt.Errorf("%w: %v", domain.ErrOwnerFrozen, viol)
	}
	return nil
}

// checkInvariant latches the owner frozen when allocated + reserved exceeds
// the pool. Further allocations fail until Reconcile clears it.
func (l *Ledger) checkInvariant(owner domain.Owner, allocated float64) error {
	if allocated+owner.Reserved <= owner.TotalBalance {
		return nil
	}
	viol := &domain.InvariantViolation{
		OwnerID: owner.ID, Allocated: allocated, Reserved: owner.Reserved, Total: owner.TotalBalance,
	}
	l.frozenMu.Lock()
	l.frozen[owner.ID] = viol
	l.frozenMu.Unlock()
	slog.Error("ledger: invariant violation, owner frozen", "owner", owner.ID,
		"allocated", allocated, "reserved", owner.Reserved, "total", owner.TotalBalance)
	return viol
}

func (l *Ledger) allocatedSum(ctx context.Context, ownerID string) (float64, error) {
	bots, err := l.store.ListBots(ctx, ports.BotFilter{OwnerID: ownerID})
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, b := range bots {
		total += b.AllocatedCapital
	}
	return total, nil
}
