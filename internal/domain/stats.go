package domain

import (
	"math"
	"time"
)

// BotStats aggregates a bot's trade history. Always derived from the
// immutable trade records, never from counters cached on the bot.
type BotStats struct {
	TradeCount   int
	Wins         int
	Losses       int
	WinRate      float64 // wins / trades, 0 when no trades
	NetProfit    float64
	GrossWins    float64
	GrossLosses  float64 // positive magnitude
	ProfitFactor float64 // gross wins / gross losses, +Inf when no losses
	MaxDrawdown  float64 // worst peak-to-trough equity drop as a fraction
}

// ComputeStats walks the trade records in execution order and derives the
// aggregate stats, using startingCapital as the equity baseline for the
// drawdown curve.
func ComputeStats(trades []TradeRecord, startingCapital float64) BotStats {
	var s BotStats
	s.TradeCount = len(trades)

	equity := startingCapital
	peak := startingCapital

	for _, t := range trades {
		s.NetProfit += t.PnL
		if t.PnL > 0 {
			s.Wins++
			s.GrossWins += t.PnL
		} else if t.PnL < 0 {
			s.Losses++
			s.GrossLosses += -t.PnL
		}

		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > s.MaxDrawdown {
				s.MaxDrawdown = dd
			}
		}
	}

	if s.TradeCount > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TradeCount)
	}
	if s.GrossLosses > 0 {
		s.ProfitFactor = s.GrossWins / s.GrossLosses
	} else if s.GrossWins > 0 {
		s.ProfitFactor = math.Inf(1)
	}
	return s
}

// WindowPnL sums realized PnL for trades executed at or after since.
func WindowPnL(trades []TradeRecord, since time.Time) float64 {
	total := 0.0
	for _, t := range trades {
		if !t.ExecutedAt.Before(since) {
			total += t.PnL
		}
	}
	return total
}

// RealizedLoss returns the day's realized loss as a positive number, 0 when
// the window is net positive.
func RealizedLoss(trades []TradeRecord, since time.Time) float64 {
	pnl := WindowPnL(trades, since)
	if pnl >= 0 {
		return 0
	}
	return -pnl
}

// MidnightUTC returns the start of the current day in UTC. All daily
// counters (budget, risk daily loss) reset at this boundary.
func MidnightUTC(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}
