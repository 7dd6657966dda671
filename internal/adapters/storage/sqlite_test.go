package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/botfleet/internal/adapters/storage"
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

func TestOwnerRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	owner := domain.Owner{
		ID: "own-1", TotalBalance: 2500.50, Reserved: 100,
		LiveEnabled: true, CreatedAt: time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveOwner(ctx, owner))

	got, err := store.GetOwner(ctx, "own-1")
	require.NoError(t, err)
	assert.Equal(t, owner.TotalBalance, got.TotalBalance)
	assert.Equal(t, owner.Reserved, got.Reserved)
	assert.True(t, got.LiveEnabled)
	assert.True(t, got.CreatedAt.Equal(owner.CreatedAt))

	// Saving again upserts instead of duplicating.
	owner.LiveEnabled = false
	require.NoError(t, store.SaveOwner(ctx, owner))
	got, err = store.GetOwner(ctx, "own-1")
	require.NoError(t, err)
	assert.False(t, got.LiveEnabled)

	_, err = store.GetOwner(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrOwnerNotFound))
}

func TestBotRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 10, 0, 0, 123456789, time.UTC)
	lastTrade := created.Add(3 * time.Hour)
	bot := domain.Bot{
		ID: "bot-1", OwnerID: "own-1", Name: "grid-btc", Exchange: "binance", Pair: "BTC/USDT",
		RiskMode: domain.RiskRisky, Stage: domain.StageLiveTrading,
		InitialCapital: 500, CurrentCapital: 523.75, AllocatedCapital: 500,
		TotalInjections: 50, QuarantineCount: 2, DailyTradeCount: 7,
		LastTradeAt: &lastTrade, CreatedAt: created, PaperStartAt: created,
	}
	require.NoError(t, store.SaveBot(ctx, bot))

	got, err := store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, bot.RiskMode, got.RiskMode)
	assert.Equal(t, bot.Stage, got.Stage)
	assert.Equal(t, bot.CurrentCapital, got.CurrentCapital)
	assert.Equal(t, bot.QuarantineCount, got.QuarantineCount)
	require.NotNil(t, got.LastTradeAt)
	assert.True(t, got.LastTradeAt.Equal(lastTrade), "nanosecond precision survives")
	assert.Nil(t, got.PromotedAt)

	require.NoError(t, store.DeleteBot(ctx, "bot-1"))
	_, err = store.GetBot(ctx, "bot-1")
	assert.True(t, errors.Is(err, domain.ErrBotNotFound))
}

func TestListBotsFilters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seed := func(id, ownerID string, stage domain.Stage, offset time.Duration) {
		require.NoError(t, store.SaveBot(ctx, domain.Bot{
			ID: id, OwnerID: ownerID, Exchange: "binance", Pair: "BTC/USDT",
			RiskMode: domain.RiskSafe, Stage: stage,
			InitialCapital: 100, CurrentCapital: 100,
			CreatedAt: base.Add(offset), PaperStartAt: base.Add(offset),
		}))
	}
	seed("bot-c", "own-1", domain.StageLiveTrading, 2*time.Hour)
	seed("bot-a", "own-1", domain.StagePaperTraining, 0)
	seed("bot-b", "own-2", domain.StageLiveTrading, time.Hour)

	all, err := store.ListBots(ctx, ports.BotFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bot-a", all[0].ID, "ordered by creation")

	owned, err := store.ListBots(ctx, ports.BotFilter{OwnerID: "own-1"})
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	live, err := store.ListBots(ctx, ports.BotFilter{OwnerID: "own-1", Stage: domain.StageLiveTrading})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "bot-c", live[0].ID)
}

func TestTradeQueries(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	seed := func(botID string, mode domain.TradeMode, at time.Time, pnl float64) {
		require.NoError(t, store.AppendTrade(ctx, domain.TradeRecord{
			ID: uuid.NewString(), BotID: botID, OwnerID: "own-1",
			Exchange: "binance", Pair: "BTC/USDT", Side: domain.SideBuy,
			Notional: 100, Price: 65000, PnL: pnl, Mode: mode, ExecutedAt: at,
		}))
	}
	seed("bot-1", domain.ModePaper, base.Add(-2*time.Hour), 5)
	seed("bot-1", domain.ModeLive, base.Add(-30*time.Minute), -3)
	seed("bot-1", domain.ModeLive, base, 8) // exactly at the boundary
	seed("bot-2", domain.ModeLive, base.Add(-10*time.Minute), 1)

	// The since boundary is inclusive.
	got, err := store.TradesSince(ctx, "bot-1", base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 8.0, got[0].PnL)

	got, err = store.TradesSince(ctx, "bot-1", base.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].ExecutedAt.Before(got[1].ExecutedAt), "chronological order")

	// Owner-wide query crosses bots and filters by mode.
	liveOnly, err := store.OwnerTradesSince(ctx, "own-1", base.Add(-3*time.Hour), domain.ModeLive)
	require.NoError(t, err)
	assert.Len(t, liveOnly, 3)

	both, err := store.OwnerTradesSince(ctx, "own-1", base.Add(-3*time.Hour), "")
	require.NoError(t, err)
	assert.Len(t, both, 4)
}

func TestInjectionsTotal(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	total, err := store.InjectionsTotal(ctx, "bot-1")
	require.NoError(t, err)
	assert.Zero(t, total, "no rows is zero, not an error")

	at := time.Now().UTC()
	for _, amount := range []float64{100, 50.5} {
		require.NoError(t, store.AppendInjection(ctx, domain.CapitalInjection{
			ID: uuid.NewString(), BotID: "bot-1", Amount: amount,
			Source: domain.SourceAutopilot, Reason: "test", At: at,
		}))
	}
	total, err = store.InjectionsTotal(ctx, "bot-1")
	require.NoError(t, err)
	assert.InDelta(t, 150.5, total, 1e-9)
}

func TestLastEpisode(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, ok, err := store.LastEpisode(ctx, "bot-1")
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.AppendEpisode(ctx, domain.QuarantineEpisode{
			ID: uuid.NewString(), BotID: "bot-1", Reason: domain.ReasonStuckBot,
			Ordinal: i, EnteredAt: base.Add(time.Duration(i) * 24 * time.Hour),
			ReleaseAt: base.Add(time.Duration(i)*24*time.Hour + 4*time.Hour),
		}))
	}

	ep, ok, err := store.LastEpisode(ctx, "bot-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, ep.Ordinal)
	assert.Equal(t, domain.ReasonStuckBot, ep.Reason)
	assert.True(t, ep.ReleaseAt.After(ep.EnteredAt))
}

func TestFieldScopedUpdates(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bot := domain.Bot{
		ID: "bot-1", OwnerID: "own-1", Exchange: "binance", Pair: "BTC/USDT",
		RiskMode: domain.RiskSafe, Stage: domain.StageLiveTrading,
		InitialCapital: 500, CurrentCapital: 500, AllocatedCapital: 500,
		CreatedAt: created, PaperStartAt: created,
	}
	require.NoError(t, store.SaveBot(ctx, bot))

	require.NoError(t, store.AdjustCapital(ctx, "bot-1", ports.CapitalDelta{
		Allocated: 200, Current: 200, Injections: 200,
	}))

	at := created.Add(time.Hour)
	require.NoError(t, store.ApplyTradeResult(ctx, "bot-1", -12.5, at))

	got, err := store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 700.0, got.AllocatedCapital)
	assert.Equal(t, 687.5, got.CurrentCapital)
	assert.Equal(t, 200.0, got.TotalInjections)
	assert.Equal(t, 1, got.DailyTradeCount)
	require.NotNil(t, got.LastTradeAt)
	assert.True(t, got.LastTradeAt.Equal(at))

	// Untouched fields keep their values.
	assert.Equal(t, 500.0, got.InitialCapital)
	assert.Equal(t, domain.StageLiveTrading, got.Stage)

	require.NoError(t, store.ResetDailyCounts(ctx))
	got, err = store.GetBot(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.DailyTradeCount)

	// Unknown bots surface the sentinel instead of a silent no-op.
	err = store.AdjustCapital(ctx, "ghost", ports.CapitalDelta{Current: 1})
	assert.True(t, errors.Is(err, domain.ErrBotNotFound))
	err = store.ApplyTradeResult(ctx, "ghost", 1, at)
	assert.True(t, errors.Is(err, domain.ErrBotNotFound))
}
