package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/botfleet/internal/adapters/storage"
	"github.com/alejandrodnm/botfleet/internal/application/risk"
	"github.com/alejandrodnm/botfleet/internal/domain"
)

var testCfg = risk.Config{
	DailyLossPct:        0.05,
	AssetExposurePct:    0.35,
	ExchangeExposurePct: 0.60,
	MinNotional:         10,
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOwner(balance float64) domain.Owner {
	return domain.Owner{ID: "own-1", TotalBalance: balance, LiveEnabled: true, CreatedAt: time.Now().UTC()}
}

func testBot(capital float64, mode domain.RiskMode) domain.Bot {
	now := time.Now().UTC()
	return domain.Bot{
		ID: "bot-1", OwnerID: "own-1", Exchange: "binance", Pair: "BTC/USDT",
		RiskMode: mode, Stage: domain.StageLiveTrading,
		InitialCapital: capital, CurrentCapital: capital, AllocatedCapital: capital,
		CreatedAt: now, PaperStartAt: now,
	}
}

func appendLoss(t *testing.T, store *storage.SQLiteStore, pnl float64, at time.Time) {
	t.Helper()
	require.NoError(t, store.AppendTrade(context.Background(), domain.TradeRecord{
		ID: uuid.NewString(), BotID: "bot-1", OwnerID: "own-1",
		Exchange: "binance", Pair: "BTC/USDT", Side: domain.SideSell,
		Notional: 100, PnL: pnl, Mode: domain.ModeLive, ExecutedAt: at,
	}))
}

func TestGate_SizingCapPerRiskMode(t *testing.T) {
	store := newStore(t)
	gate := risk.New(store, testCfg)
	ctx := context.Background()

	owner := testOwner(10000)
	bot := testBot(1000, domain.RiskSafe) // cap 25% → 250

	ok, reason := gate.CheckTrade(ctx, owner, bot, 300)
	assert.False(t, ok)
	assert.Equal(t, "too large", reason)

	ok, reason = gate.CheckTrade(ctx, owner, bot, 200)
	assert.True(t, ok, reason)
}

func TestGate_ProtectionMode(t *testing.T) {
	store := newStore(t)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	gate := risk.New(store, testCfg).WithNow(func() time.Time { return now })
	ctx := context.Background()

	// Daily loss 520 on 10000 equity = 5.2%, past the 5% line.
	appendLoss(t, store, -520, now.Add(-2*time.Hour))

	owner := testOwner(10000)
	bot := testBot(5000, domain.RiskAggressive)

	for _, notional := range []float64{15, 100, 2500} {
		ok, reason := gate.CheckTrade(ctx, owner, bot, notional)
		assert.False(t, ok, "notional %.0f must be blocked", notional)
		assert.Equal(t, "protection mode", reason)
	}
}

func TestGate_ProtectionModeIgnoresYesterday(t *testing.T) {
	store := newStore(t)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	gate := risk.New(store, testCfg).WithNow(func() time.Time { return now })

	// The loss happened yesterday: today starts clean.
	appendLoss(t, store, -520, now.Add(-20*time.Hour))

	ok, reason := gate.CheckTrade(context.Background(), testOwner(10000), testBot(1000, domain.RiskSafe), 100)
	assert.True(t, ok, reason)
}

func TestGate_RecordPnLAccumulates(t *testing.T) {
	store := newStore(t)
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	gate := risk.New(store, testCfg).WithNow(func() time.Time { return now })
	ctx := context.Background()

	owner := testOwner(10000)
	bot := testBot(5000, domain.RiskBalanced)

	ok, _ := gate.CheckTrade(ctx, owner, bot, 100)
	require.True(t, ok)

	gate.RecordPnL(ctx, "own-1", -400)
	ok, _ = gate.CheckTrade(ctx, owner, bot, 100)
	assert.True(t, ok, "4%% loss is under the line")

	gate.RecordPnL(ctx, "own-1", -150)
	ok, reason := gate.CheckTrade(ctx, owner, bot, 100)
	assert.False(t, ok)
	assert.Equal(t, "protection mode", reason)

	// After the daily reset the accumulator rebuilds from (empty) history.
	gate.ResetDaily()
	ok, reason = gate.CheckTrade(ctx, owner, bot, 100)
	assert.True(t, ok, reason)
}

func TestGate_TooSmall(t *testing.T) {
	store := newStore(t)
	gate := risk.New(store, testCfg)

	ok, reason := gate.CheckTrade(context.Background(), testOwner(10000), testBot(1000, domain.RiskSafe), 5)
	assert.False(t, ok)
	assert.Equal(t, "too small", reason)
}

func TestGate_AssetExposure(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	gate := risk.New(store, testCfg)

	// A sibling bot already holds 3300 of BTC exposure; 35% of 10000 is
	// 3500, so a 300 BTC trade tips it over.
	now := time.Now().UTC()
	sibling := domain.Bot{
		ID: "bot-2", OwnerID: "own-1", Exchange: "binance", Pair: "BTC/ZAR",
		RiskMode: domain.RiskRisky, Stage: domain.StageLiveTrading,
		InitialCapital: 3300, CurrentCapital: 3300, AllocatedCapital: 3300,
		CreatedAt: now, PaperStartAt: now,
	}
	require.NoError(t, store.SaveBot(ctx, sibling))

	bot := testBot(2000, domain.RiskAggressive)
	ok, reason := gate.CheckTrade(ctx, testOwner(10000), bot, 300)
	assert.False(t, ok)
	assert.Contains(t, reason, "asset exposure")

	// A different asset is unaffected.
	bot.Pair = "ETH/USDT"
	ok, reason = gate.CheckTrade(ctx, testOwner(10000), bot, 300)
	assert.True(t, ok, reason)
}

func TestGate_ExchangeExposureNeedsTwoExchanges(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	gate := risk.New(store, testCfg)

	now := time.Now().UTC()
	sibling := domain.Bot{
		ID: "bot-2", OwnerID: "own-1", Exchange: "binance", Pair: "ETH/USDT",
		RiskMode: domain.RiskRisky, Stage: domain.StageLiveTrading,
		InitialCapital: 3000, CurrentCapital: 3000, AllocatedCapital: 3000,
		CreatedAt: now, PaperStartAt: now,
	}
	require.NoError(t, store.SaveBot(ctx, sibling))

	// Single-exchange owner: the 60% concentration rule does not apply.
	bot := testBot(9000, domain.RiskAggressive)
	ok, reason := gate.CheckTrade(ctx, testOwner(10000), bot, 3200)
	assert.True(t, ok, reason)

	// Add a bot on a second exchange: now binance holds too much.
	other := sibling
	other.ID = "bot-3"
	other.Exchange = "luno"
	other.Pair = "SOL/ZAR"
	other.AllocatedCapital = 100
	require.NoError(t, store.SaveBot(ctx, other))

	ok, reason = gate.CheckTrade(ctx, testOwner(10000), bot, 3200)
	assert.False(t, ok)
	assert.Contains(t, reason, "exchange exposure")
}
