package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

// Criteria are the promotion requirements from paper training to live
// trading. All of them must hold; a single miss skips the cycle silently.
type Criteria struct {
	MinPaperAge     time.Duration
	MinTrades       int
	MinWinRate      float64
	MinNetProfitPct float64 // of initial capital
	MaxDrawdown     float64
	MinProfitFactor float64
}

// Machine owns every lifecycle transition except entering quarantine, which
// belongs to the anomaly monitor. Trade execution never mutates stage fields.
type Machine struct {
	store    ports.FleetStore
	notifier ports.Notifier
	criteria Criteria
	timeFunc func() time.Time
}

// New creates the state machine.
func New(store ports.FleetStore, notifier ports.Notifier, criteria Criteria) *Machine {
	return &Machine{
		store:    store,
		notifier: notifier,
		criteria: criteria,
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// WithNow injects a deterministic clock for tests.
func (m *Machine) WithNow(now func() time.Time) *Machine {
	m.timeFunc = now
	return m
}

// legalTransitions is the full transition table. Quarantine entries appear
// here so the anomaly monitor can validate against the same table.
var legalTransitions = map[domain.Stage][]domain.Stage{
	domain.StagePaperTraining: {domain.StageLiveTrading, domain.StageQuarantined, domain.StagePaused, domain.StageStopped, domain.StageMarkedForDeletion},
	domain.StageLiveTrading:   {domain.StageQuarantined, domain.StagePaused, domain.StageStopped, domain.StageMarkedForDeletion},
	domain.StageQuarantined:   {domain.StageLiveTrading, domain.StageMarkedForDeletion, domain.StageStopped},
	domain.StagePaused:        {domain.StagePaperTraining, domain.StageLiveTrading, domain.StageStopped, domain.StageMarkedForDeletion},
	domain.StageStopped:       {domain.StageMarkedForDeletion},
}

// CanTransition reports whether the stage change is allowed by the table.
func CanTransition(from, to domain.Stage) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EvaluatePromotion checks a paper-training bot against every promotion
// criterion and promotes it when all hold. On promotion the bot's capital is
// reset to its initial allocation: simulated paper gains are archived with
// the trade history, they never become spendable live capital.
func (m *Machine) EvaluatePromotion(ctx context.Context, bot domain.Bot) (bool, error) {
	if bot.Stage != domain.StagePaperTraining {
		return false, nil
	}
	now := m.timeFunc()

	owner, err := m.store.GetOwner(ctx, bot.OwnerID)
	if err != nil {
		return false, fmt.Errorf("lifecycle.EvaluatePromotion: owner: %w", err)
	}
	if !owner.LiveEnabled {
		slog.Debug("lifecycle: promotion skipped, live trading disabled", "bot", bot.ID, "owner", owner.ID)
		return false, nil
	}

	if bot.PaperAge(now) < m.criteria.MinPaperAge {
		return false, nil
	}

	trades, err := m.store.TradesSince(ctx, bot.ID, bot.PaperStartAt)
	if err != nil {
		return false, fmt.Errorf("lifecycle.EvaluatePromotion: trades: %w", err)
	}
	stats := domain.ComputeStats(paperOnly(trades), bot.InitialCapital)

	switch {
	case stats.TradeCount < m.criteria.MinTrades:
		return false, nil
	case stats.WinRate < m.criteria.MinWinRate:
		return false, nil
	case bot.InitialCapital <= 0 || stats.NetProfit < m.criteria.MinNetProfitPct*bot.InitialCapital:
		return false, nil
	case stats.MaxDrawdown > m.criteria.MaxDrawdown:
		return false, nil
	case stats.ProfitFactor < m.criteria.MinProfitFactor:
		return false, nil
	}

	bot.Stage = domain.StageLiveTrading
	bot.CurrentCapital = bot.InitialCapital // clean baseline, paper gains archived
	bot.PromotedAt = &now
	if err := m.store.SaveBot(ctx, bot); err != nil {
		return false, fmt.Errorf("lifecycle.EvaluatePromotion: save: %w", err)
	}

	slog.Info("lifecycle: bot promoted to live trading", "bot", bot.ID,
		"win_rate", fmt.Sprintf("%.1f%%", stats.WinRate*100),
		"profit_factor", fmt.Sprintf("%.2f", stats.ProfitFactor),
		"paper_trades", stats.TradeCount)

	m.notify(ctx, ports.Event{
		Kind: ports.EventPromotion, OwnerID: bot.OwnerID, BotID: bot.ID, BotName: bot.Name,
		Reason: fmt.Sprintf("promoted after %d paper trades, %.1f%% win rate", stats.TradeCount, stats.WinRate*100),
		At:     now,
	})
	return true, nil
}

// Transition applies a manual stage change (pause, resume, stop) after
// validating it against the transition table.
func (m *Machine) Transition(ctx context.Context, botID string, to domain.Stage) error {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("lifecycle.Transition: %w", err)
	}
	if bot.Stage == to {
		return nil
	}
	if !CanTransition(bot.Stage, to) {
		return fmt.Errorf("lifecycle.Transition: %s → %s not allowed", bot.Stage, to)
	}
	bot.Stage = to
	if err := m.store.SaveBot(ctx, bot); err != nil {
		return fmt.Errorf("lifecycle.Transition: save: %w", err)
	}
	slog.Info("lifecycle: manual transition", "bot", botID, "to", to)
	return nil
}

// MarkForDeletion flags the bot for removal. Terminal; any stage may reach it.
func (m *Machine) MarkForDeletion(ctx context.Context, botID, reason string) error {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("lifecycle.MarkForDeletion: %w", err)
	}
	if bot.Stage == domain.StageMarkedForDeletion {
		return nil
	}
	bot.Stage = domain.StageMarkedForDeletion
	if err := m.store.SaveBot(ctx, bot); err != nil {
		return fmt.Errorf("lifecycle.MarkForDeletion: save: %w", err)
	}
	slog.Warn("lifecycle: bot marked for deletion", "bot", botID, "reason", reason)
	m.notify(ctx, ports.Event{
		Kind: ports.EventDeletion, OwnerID: bot.OwnerID, BotID: bot.ID, BotName: bot.Name,
		Reason: reason, At: m.timeFunc(),
	})
	return nil
}

// notify is best effort; a failing sink never aborts the decision.
func (m *Machine) notify(ctx context.Context, ev ports.Event) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("lifecycle: notifier error", "err", err)
	}
}

func paperOnly(trades []domain.TradeRecord) []domain.TradeRecord {
	out := trades[:0:0]
	for _, t := range trades {
		if t.Mode == domain.ModePaper {
			out = append(out, t)
		}
	}
	return out
}
