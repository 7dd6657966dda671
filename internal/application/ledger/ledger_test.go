package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/botfleet/internal/adapters/storage"
	"github.com/alejandrodnm/botfleet/internal/application/ledger"
	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedOwner(t *testing.T, store *storage.SQLiteStore, id string, balance, reserved float64) {
	t.Helper()
	err := store.SaveOwner(context.Background(), domain.Owner{
		ID: id, TotalBalance: balance, Reserved: reserved, LiveEnabled: true,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func seedBot(t *testing.T, store *storage.SQLiteStore, id, ownerID string, capital float64) domain.Bot {
	t.Helper()
	now := time.Now().UTC()
	bot := domain.Bot{
		ID: id, OwnerID: ownerID, Exchange: "binance", Pair: "BTC/USDT",
		RiskMode: domain.RiskSafe, Stage: domain.StagePaperTraining,
		InitialCapital: capital, CurrentCapital: capital,
		CreatedAt: now, PaperStartAt: now,
	}
	require.NoError(t, store.SaveBot(context.Background(), bot))
	return bot
}

func TestLedger_AllocateAndRelease(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 1000, 0)
	seedBot(t, store, "bot-1", "own-1", 400)

	led := ledger.New(store)
	ctx := context.Background()

	require.NoError(t, led.Allocate(ctx, "own-1", "bot-1", 400))

	bot, err := store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.InDelta(t, 400, bot.AllocatedCapital, 0.001)

	released, err := led.Release(ctx, "bot-1")
	require.NoError(t, err)
	assert.InDelta(t, 400, released, 0.001)
}

func TestLedger_ReleaseIsIdempotent(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 1000, 0)
	seedBot(t, store, "bot-1", "own-1", 400)

	led := ledger.New(store)
	ctx := context.Background()
	require.NoError(t, led.Allocate(ctx, "own-1", "bot-1", 400))

	first, err := led.Release(ctx, "bot-1")
	require.NoError(t, err)
	assert.InDelta(t, 400, first, 0.001)

	// Second release is a no-op, not an error.
	second, err := led.Release(ctx, "bot-1")
	require.NoError(t, err)
	assert.Zero(t, second)

	sum, err := led.AllocatedSum(ctx, "own-1")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestLedger_ReleaseUnknownBot(t *testing.T) {
	store := newStore(t)
	led := ledger.New(store)

	released, err := led.Release(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestLedger_InsufficientFunds(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 500, 100) // solo 400 disponibles
	seedBot(t, store, "bot-1", "own-1", 500)

	led := ledger.New(store)
	err := led.Allocate(context.Background(), "own-1", "bot-1", 500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))

	var capErr *domain.CapitalError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "allocate", capErr.Op)
}

func TestLedger_ConcurrentAllocationSingleWinner(t *testing.T) {
	// Two bots racing for a pool that covers exactly one of them:
	// exactly one allocation must win.
	store := newStore(t)
	seedOwner(t, store, "own-1", 1000, 0)
	seedBot(t, store, "bot-a", "own-1", 1000)
	seedBot(t, store, "bot-b", "own-1", 1000)

	led := ledger.New(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, botID := range []string{"bot-a", "bot-b"} {
		wg.Add(1)
		go func(i int, botID string) {
			defer wg.Done()
			errs[i] = led.Allocate(ctx, "own-1", botID, 1000)
		}(i, botID)
	}
	wg.Wait()

	okCount, fundErrs := 0, 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else if errors.Is(err, domain.ErrInsufficientFunds) {
			fundErrs++
		}
	}
	assert.Equal(t, 1, okCount, "exactly one allocation must succeed")
	assert.Equal(t, 1, fundErrs, "the loser must see insufficient funds")

	sum, err := led.AllocatedSum(ctx, "own-1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, sum, 0.001, "allocated sum must not exceed the pool")
}

func TestLedger_InjectionIsNotProfit(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 2000, 0)
	bot := seedBot(t, store, "bot-1", "own-1", 500)

	led := ledger.New(store)
	ctx := context.Background()
	require.NoError(t, led.Allocate(ctx, "own-1", bot.ID, 500))

	// Gross profit of 120 from trades...
	for i, pnl := range []float64{80.0, -10.0, 50.0} {
		require.NoError(t, store.AppendTrade(ctx, domain.TradeRecord{
			ID: bot.ID + "-t" + string(rune('a'+i)), BotID: bot.ID, OwnerID: "own-1",
			Exchange: "binance", Pair: "BTC/USDT", Side: domain.SideBuy,
			Notional: 100, PnL: pnl, Mode: domain.ModeLive,
			ExecutedAt: time.Now().UTC(),
		}))
	}
	// ...plus an autopilot injection of 200 that must not count as skill.
	require.NoError(t, led.RecordInjection(ctx, bot.ID, 200, domain.SourceAutopilot, "reinvest"))

	report, err := led.RealProfit(ctx, bot.ID)
	require.NoError(t, err)
	assert.InDelta(t, 120, report.Gross, 0.001)
	assert.InDelta(t, 200, report.Injections, 0.001)
	assert.InDelta(t, -80, report.Real, 0.001)
	assert.InDelta(t, -80.0/500.0, report.ROI, 0.001)

	got, err := store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.InDelta(t, 200, got.TotalInjections, 0.001)
	assert.InDelta(t, 700, got.CurrentCapital, 0.001)
}

func TestLedger_InvariantViolationFreezesOwner(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 1000, 0)
	bot := seedBot(t, store, "bot-1", "own-1", 100)

	// Corrupt the books directly: more allocated than the pool holds.
	bot.AllocatedCapital = 2000
	require.NoError(t, store.SaveBot(context.Background(), bot))

	led := ledger.New(store)
	ctx := context.Background()

	err := led.Allocate(ctx, "own-1", "bot-1", 10)
	require.Error(t, err)
	var viol *domain.InvariantViolation
	assert.True(t, errors.As(err, &viol))
	assert.True(t, led.Frozen("own-1"))

	// Frozen until reconciled: even a valid request is rejected.
	err = led.Allocate(ctx, "own-1", "bot-1", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOwnerFrozen))

	// Fix the books and reconcile.
	bot.AllocatedCapital = 100
	require.NoError(t, store.SaveBot(ctx, bot))
	require.NoError(t, led.Reconcile(ctx, "own-1"))
	assert.False(t, led.Frozen("own-1"))

	require.NoError(t, led.Allocate(ctx, "own-1", "bot-1", 10))
}

func TestLedger_InjectionInsufficientFunds(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 100, 0)
	bot := seedBot(t, store, "bot-1", "own-1", 50)

	led := ledger.New(store)
	ctx := context.Background()
	require.NoError(t, led.Allocate(ctx, "own-1", bot.ID, 50))

	err := led.RecordInjection(ctx, bot.ID, 200, domain.SourceUser, "top up")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))

	// Nothing was recorded.
	total, err := store.InjectionsTotal(ctx, bot.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

// brokenInjectionStore rechaza el append del registro de inyección.
type brokenInjectionStore struct {
	ports.FleetStore
}

func (s *brokenInjectionStore) AppendInjection(context.Context, domain.CapitalInjection) error {
	return errors.New("injections table unavailable")
}

func TestLedger_FailedInjectionRecordLeavesBooksUntouched(t *testing.T) {
	store := newStore(t)
	seedOwner(t, store, "own-1", 1000, 0)
	bot := seedBot(t, store, "bot-1", "own-1", 400)

	led := ledger.New(&brokenInjectionStore{FleetStore: store})
	err := led.RecordInjection(context.Background(), bot.ID, 200, domain.SourceUser, "top up")
	require.Error(t, err)

	// The record write failed before the capital commit, so the bot row
	// never shows injected capital that has no matching record.
	got, err := store.GetBot(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.TotalInjections)
	assert.Equal(t, 400.0, got.CurrentCapital)
	assert.Equal(t, 0.0, got.AllocatedCapital)

	total, err := store.InjectionsTotal(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)
}
