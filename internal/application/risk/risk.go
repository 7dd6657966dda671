package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

// Config holds the gate's thresholds. Per-mode sizing caps live on
// domain.RiskMode; these are the owner-level limits.
type Config struct {
	DailyLossPct        float64 // protection mode: daily realized loss over equity
	AssetExposurePct    float64 // max exposure to a single underlying asset
	ExchangeExposurePct float64 // max exposure to a single exchange (≥2 exchanges in use)
	MinNotional         float64 // absolute floor per trade
}

// Gate runs the per-trade risk checks in a fixed order, first failure wins.
// Stateless between calls except for the per-owner daily loss accumulator,
// which is rebuilt from trade history on first use each day. Rejections are
// normal control flow: (false, reason), never errors. Any failure to read
// collaborator state denies the trade rather than waving it through.
type Gate struct {
	store ports.FleetStore
	cfg   Config

	mu    sync.Mutex
	daily map[string]*dayLoss // ownerID → today's realized loss

	timeFunc func() time.Time
}

type dayLoss struct {
	day time.Time
	pnl float64 // net realized PnL for the day, negative when losing
}

// New creates a risk gate over the given store.
func New(store ports.FleetStore, cfg Config) *Gate {
	return &Gate{
		store:    store,
		cfg:      cfg,
		daily:    make(map[string]*dayLoss),
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// WithNow injects a deterministic clock for tests.
func (g *Gate) WithNow(now func() time.Time) *Gate {
	g.timeFunc = now
	return g
}

// CheckTrade runs the ordered checks for a proposed trade:
//
//  1. owner protection mode (daily realized loss ≥ threshold of equity)
//  2. notional vs the bot's risk-mode sizing cap
//  3. single-asset exposure across the owner's active bots
//  4. single-exchange exposure (only when the owner trades on ≥2 exchanges)
//  5. absolute minimum notional
func (g *Gate) CheckTrade(ctx context.Context, owner domain.Owner, bot domain.Bot, notional float64) (bool, string) {
	equity := owner.TotalBalance

	// 1. Protection mode
	loss, err := g.dailyLoss(ctx, owner.ID)
	if err != nil {
		slog.Warn("risk: daily loss unavailable, denying", "owner", owner.ID, "err", err)
		return false, "risk state unavailable"
	}
	if equity > 0 && loss >= g.cfg.DailyLossPct*equity {
		return false, "protection mode"
	}

	// 2. Sizing cap per risk mode
	if notional > bot.CurrentCapital*bot.RiskMode.RiskCap() {
		return false, "too large"
	}

	bots, err := g.store.ListBots(ctx, ports.BotFilter{OwnerID: owner.ID})
	if err != nil {
		slog.Warn("risk: exposure state unavailable, denying", "owner", owner.ID, "err", err)
		return false, "risk state unavailable"
	}

	// 3. Single-asset concentration
	assetExposure := notional
	exchanges := map[string]bool{bot.Exchange: true}
	exchangeExposure := notional
	for _, b := range bots {
		if !b.IsActive() || b.ID == bot.ID {
			if b.IsActive() {
				exchanges[b.Exchange] = true
			}
			continue
		}
		exchanges[b.Exchange] = true
		if b.BaseAsset() == bot.BaseAsset() {
			assetExposure += b.AllocatedCapital
		}
		if b.Exchange == bot.Exchange {
			exchangeExposure += b.AllocatedCapital
		}
	}
	if equity > 0 && assetExposure > g.cfg.AssetExposurePct*equity {
		return false, fmt.Sprintf("asset exposure: %s over %.0f%% of equity", bot.BaseAsset(), g.cfg.AssetExposurePct*100)
	}

	// 4. Single-exchange concentration, only meaningful across ≥2 exchanges
	if len(exchanges) >= 2 && equity > 0 && exchangeExposure > g.cfg.ExchangeExposurePct*equity {
		return false, fmt.Sprintf("exchange exposure: %s over %.0f%% of equity", bot.Exchange, g.cfg.ExchangeExposurePct*100)
	}

	// 5. Absolute floor
	if notional < g.cfg.MinNotional {
		return false, "too small"
	}

	return true, ""
}

// RecordPnL feeds a realized trade result into the owner's daily
// accumulator. Protection mode keys off the day's net realized PnL.
func (g *Gate) RecordPnL(ctx context.Context, ownerID string, pnl float64) {
	// Ensure the accumulator is seeded before adding to it.
	if _, err := g.dailyLoss(ctx, ownerID); err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.daily[ownerID]; ok {
		d.pnl += pnl
	}
}

// ResetDaily drops every accumulator; the next check rebuilds from history.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily = make(map[string]*dayLoss)
}

// dailyLoss returns today's net realized loss for the owner as a positive
// magnitude (0 when the day is net positive), rebuilding the accumulator
// from the live trade history on the first call each day.
func (g *Gate) dailyLoss(ctx context.Context, ownerID string) (float64, error) {
	now := g.timeFunc()
	midnight := domain.MidnightUTC(now)

	g.mu.Lock()
	if d, ok := g.daily[ownerID]; ok && d.day.Equal(midnight) {
		pnl := d.pnl
		g.mu.Unlock()
		if pnl >= 0 {
			return 0, nil
		}
		return -pnl, nil
	}
	g.mu.Unlock()

	trades, err := g.store.OwnerTradesSince(ctx, ownerID, midnight, domain.ModeLive)
	if err != nil {
		return 0, fmt.Errorf("risk.dailyLoss: %w", err)
	}
	pnl := 0.0
	for _, t := range trades {
		pnl += t.PnL
	}

	g.mu.Lock()
	g.daily[ownerID] = &dayLoss{day: midnight, pnl: pnl}
	g.mu.Unlock()
	if pnl >= 0 {
		return 0, nil
	}
	return -pnl, nil
}
