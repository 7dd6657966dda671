package domain

import "time"

// TradeMode distinguishes simulated paper trades from real exchange trades.
type TradeMode string

const (
	ModePaper TradeMode = "paper"
	ModeLive  TradeMode = "live"
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeRecord is the immutable record of an executed trade. Records are
// append-only and never mutated after insert: win rate, drawdown and profit
// factor are always recomputed from them, not cached on the bot.
type TradeRecord struct {
	ID         string
	BotID      string
	OwnerID    string
	Exchange   string
	Pair       string
	Side       TradeSide
	Notional   float64 // trade size in quote currency
	Price      float64
	PnL        float64 // realized, can be negative
	Mode       TradeMode
	ExecutedAt time.Time
}

// InjectionSource identifies who added capital to a bot.
type InjectionSource string

const (
	SourceAutopilot InjectionSource = "autopilot"
	SourceUser      InjectionSource = "user"
	SourceRebalance InjectionSource = "rebalance"
)

// CapitalInjection records capital added to a bot after creation. Kept as a
// separate append-only ledger so injected capital is never misread as
// trading profit.
type CapitalInjection struct {
	ID     string
	BotID  string
	Amount float64
	Source InjectionSource
	Reason string
	At     time.Time
}

// ProfitReport separates trading skill from injected capital.
// Real = Gross - Injections; ROI is Real over initial capital.
type ProfitReport struct {
	Gross      float64
	Injections float64
	Real       float64
	ROI        float64
}
