package domain

import (
	"strings"
	"time"
)

// Stage is a bot's lifecycle state. Trade execution reads it as an
// eligibility gate but never writes it; only the lifecycle machine and the
// anomaly monitor move bots between stages.
type Stage string

const (
	StagePaperTraining     Stage = "paper_training"
	StageLiveTrading       Stage = "live_trading"
	StageQuarantined       Stage = "quarantined"
	StageMarkedForDeletion Stage = "marked_for_deletion"
	StagePaused            Stage = "paused"
	StageStopped           Stage = "stopped"
)

// RiskMode is the owner-chosen risk appetite of a bot. It caps how much of
// the bot's current capital a single trade may commit.
type RiskMode string

const (
	RiskSafe       RiskMode = "safe"
	RiskBalanced   RiskMode = "balanced"
	RiskRisky      RiskMode = "risky"
	RiskAggressive RiskMode = "aggressive"
)

// RiskCap returns the per-trade sizing cap as a fraction of current capital.
func (r RiskMode) RiskCap() float64 {
	switch r {
	case RiskSafe:
		return 0.25
	case RiskBalanced:
		return 0.35
	case RiskRisky:
		return 0.45
	case RiskAggressive:
		return 0.60
	}
	return 0
}

// Valid reports whether r is one of the known risk modes.
func (r RiskMode) Valid() bool {
	return r.RiskCap() > 0
}

// Bot is one autonomous trading bot in the fleet. Capital fields are owned
// by the ledger; stage by the lifecycle machine; the daily counters by the
// orchestrator's trade path and the midnight reset.
type Bot struct {
	ID       string
	OwnerID  string
	Name     string
	Exchange string
	Pair     string // "BTC/USDT" or "XBT-ZAR" style
	RiskMode RiskMode
	Stage    Stage

	InitialCapital   float64
	CurrentCapital   float64
	AllocatedCapital float64
	TotalInjections  float64

	QuarantineCount int
	DailyTradeCount int
	LastTradeAt     *time.Time

	CreatedAt    time.Time
	PaperStartAt time.Time
	PromotedAt   *time.Time
}

// IsActive reports whether the bot is in a trading stage. Quarantined,
// paused, stopped and deletion-bound bots are excluded from every sweep.
func (b Bot) IsActive() bool {
	return b.Stage == StagePaperTraining || b.Stage == StageLiveTrading
}

// TradeMode maps the stage to the execution mode: paper bots simulate,
// everything else trades for real.
func (b Bot) TradeMode() TradeMode {
	if b.Stage == StagePaperTraining {
		return ModePaper
	}
	return ModeLive
}

// BaseAsset extracts the base asset from the pair, splitting on '/' or '-'.
// Falls back to the whole pair when no separator is present.
func (b Bot) BaseAsset() string {
	if i := strings.IndexAny(b.Pair, "/-"); i > 0 {
		return b.Pair[:i]
	}
	return b.Pair
}

// Drawdown is the fraction of funded capital currently lost. Injections
// count as funding, not as losses to recover.
func (b Bot) Drawdown() float64 {
	funded := b.InitialCapital + b.TotalInjections
	if funded <= 0 || b.CurrentCapital >= funded {
		return 0
	}
	return (funded - b.CurrentCapital) / funded
}

// PaperAge is how long the bot has been in paper training.
func (b Bot) PaperAge(now time.Time) time.Duration {
	return now.Sub(b.PaperStartAt)
}

// Owner is the human behind a group of bots: one capital pool, one switch
// for live trading.
type Owner struct {
	ID           string
	TotalBalance float64
	Reserved     float64 // held back from allocation (pending withdrawals)
	LiveEnabled  bool
	CreatedAt    time.Time
}

// Available is what the pool can still hand out given the sum already
// allocated across the owner's bots.
func (o Owner) Available(allocated float64) float64 {
	return o.TotalBalance - o.Reserved - allocated
}
