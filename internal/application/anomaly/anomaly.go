package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

// Config holds the detector thresholds.
type Config struct {
	HourlyLossPct  float64       // realized loss in the rolling hour over current capital
	StuckAfter     time.Duration // no trade this long despite active status
	AbnormalTrades int           // daily trade count at or near exchange caps
	MaxDrawdownPct float64       // drawdown from initial capital
}

// Monitor sweeps the fleet for misbehaving bots and is the only component
// that writes quarantine state. Repeat offenders climb an escalation ladder
// of strictly increasing pauses; one offense past the last rung is terminal
// and the bot is marked for deletion instead of paused again.
type Monitor struct {
	store    ports.FleetStore
	notifier ports.Notifier
	cfg      Config
	ladder   domain.EscalationLadder

	timeFunc func() time.Time
	newID    func() string
}

// New creates a monitor. The ladder must already be validated.
func New(store ports.FleetStore, notifier ports.Notifier, cfg Config, ladder domain.EscalationLadder) *Monitor {
	return &Monitor{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		ladder:   ladder,
		timeFunc: func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithNow injects a deterministic clock for tests.
func (m *Monitor) WithNow(now func() time.Time) *Monitor {
	m.timeFunc = now
	return m
}

// Inspect runs the detectors against one bot, in order, first match wins.
func (m *Monitor) Inspect(ctx context.Context, bot domain.Bot) (domain.AnomalyReason, bool, error) {
	now := m.timeFunc()

	// 1. Excessive loss in the rolling hour
	trades, err := m.store.TradesSince(ctx, bot.ID, now.Add(-time.Hour))
	if err != nil {
		return "", false, fmt.Errorf("anomaly.Inspect: trades: %w", err)
	}
	if bot.CurrentCapital > 0 {
		loss := domain.RealizedLoss(trades, now.Add(-time.Hour))
		if loss > m.cfg.HourlyLossPct*bot.CurrentCapital {
			return domain.ReasonExcessiveLoss, true, nil
		}
	}

	// 2. Stuck: active but silent, or never traded since creation
	silentSince := bot.CreatedAt
	if bot.LastTradeAt != nil {
		silentSince = *bot.LastTradeAt
	}
	if now.Sub(silentSince) >= m.cfg.StuckAfter {
		return domain.ReasonStuckBot, true, nil
	}

	// 3. Abnormal trading volume
	if bot.DailyTradeCount >= m.cfg.AbnormalTrades {
		return domain.ReasonAbnormalTrading, true, nil
	}

	// 4. Capital anomaly
	if bot.Drawdown() > m.cfg.MaxDrawdownPct {
		return domain.ReasonCapitalAnomaly, true, nil
	}

	return "", false, nil
}

// Quarantine sends the bot to quarantine (or to deletion on a terminal
// offense), records the episode and bumps the offense ordinal.
func (m *Monitor) Quarantine(ctx context.Context, bot domain.Bot, reason domain.AnomalyReason) error {
	now := m.timeFunc()
	ordinal := bot.QuarantineCount + 1

	pause, terminal := m.ladder.DurationFor(ordinal)
	if terminal {
		bot.Stage = domain.StageMarkedForDeletion
		bot.QuarantineCount = ordinal
		if err := m.store.SaveBot(ctx, bot); err != nil {
			return fmt.Errorf("anomaly.Quarantine: save: %w", err)
		}
		slog.Warn("anomaly: terminal offense, bot marked for deletion",
			"bot", bot.ID, "reason", reason, "offense", ordinal)
		m.notify(ctx, ports.Event{
			Kind: ports.EventDeletion, OwnerID: bot.OwnerID, BotID: bot.ID, BotName: bot.Name,
			Reason: fmt.Sprintf("offense %d (%s): escalation exhausted", ordinal, reason),
			At:     now,
		})
		return nil
	}

	bot.Stage = domain.StageQuarantined
	bot.QuarantineCount = ordinal
	if err := m.store.SaveBot(ctx, bot); err != nil {
		return fmt.Errorf("anomaly.Quarantine: save: %w", err)
	}

	ep := domain.QuarantineEpisode{
		ID:        m.newID(),
		BotID:     bot.ID,
		Reason:    reason,
		Ordinal:   ordinal,
		EnteredAt: now,
		ReleaseAt: now.Add(pause),
	}
	if err := m.store.AppendEpisode(ctx, ep); err != nil {
		return fmt.Errorf("anomaly.Quarantine: episode: %w", err)
	}

	slog.Warn("anomaly: bot quarantined", "bot", bot.ID, "reason", reason,
		"offense", ordinal, "until", ep.ReleaseAt.Format(time.RFC3339))
	m.notify(ctx, ports.Event{
		Kind: ports.EventQuarantine, OwnerID: bot.OwnerID, BotID: bot.ID, BotName: bot.Name,
		Reason: fmt.Sprintf("%s (offense %d, paused %s)", reason, ordinal, pause),
		At:     now,
	})
	return nil
}

// Sweep inspects every active bot and quarantines the ones that trip a
// detector. Returns how many bots were constrained.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	bots, err := m.store.ListBots(ctx, ports.BotFilter{})
	if err != nil {
		return 0, fmt.Errorf("anomaly.Sweep: list: %w", err)
	}

	hit := 0
	for _, bot := range bots {
		if ctx.Err() != nil {
			return hit, ctx.Err()
		}
		if !bot.IsActive() {
			continue
		}
		reason, matched, err := m.Inspect(ctx, bot)
		if err != nil {
			slog.Warn("anomaly: inspect failed", "bot", bot.ID, "err", err)
			continue
		}
		if !matched {
			continue
		}
		if err := m.Quarantine(ctx, bot, reason); err != nil {
			slog.Error("anomaly: quarantine failed", "bot", bot.ID, "err", err)
			continue
		}
		hit++
	}
	return hit, nil
}

// ReleaseDue returns quarantined bots whose pause has elapsed back to live
// trading. Driven by the orchestrator's sweep.
func (m *Monitor) ReleaseDue(ctx context.Context) (int, error) {
	bots, err := m.store.ListBots(ctx, ports.BotFilter{Stage: domain.StageQuarantined})
	if err != nil {
		return 0, fmt.Errorf("anomaly.ReleaseDue: list: %w", err)
	}
	now := m.timeFunc()

	released := 0
	for _, bot := range bots {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		ep, ok, err := m.store.LastEpisode(ctx, bot.ID)
		if err != nil {
			slog.Warn("anomaly: episode lookup failed", "bot", bot.ID, "err", err)
			continue
		}
		if !ok || now.Before(ep.ReleaseAt) {
			continue
		}

		bot.Stage = domain.StageLiveTrading
		if err := m.store.SaveBot(ctx, bot); err != nil {
			slog.Error("anomaly: release failed", "bot", bot.ID, "err", err)
			continue
		}
		released++
		slog.Info("anomaly: bot released from quarantine", "bot", bot.ID, "offense", ep.Ordinal)
		m.notify(ctx, ports.Event{
			Kind: ports.EventRelease, OwnerID: bot.OwnerID, BotID: bot.ID, BotName: bot.Name,
			Reason: fmt.Sprintf("quarantine elapsed after offense %d", ep.Ordinal),
			At:     now,
		})
	}
	return released, nil
}

func (m *Monitor) notify(ctx context.Context, ev ports.Event) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("anomaly: notifier error", "err", err)
	}
}
