package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/botfleet/internal/application/anomaly"
	"github.com/alejandrodnm/botfleet/internal/application/budget"
	"github.com/alejandrodnm/botfleet/internal/application/ledger"
	"github.com/alejandrodnm/botfleet/internal/application/lifecycle"
	"github.com/alejandrodnm/botfleet/internal/application/risk"
	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

// Metrics is the narrow observability hook the orchestrator emits into.
// The Prometheus adapter implements it; tests use the noop.
type Metrics interface {
	TradeExecuted(exchange string, mode domain.TradeMode)
	TradeDenied(exchange, gate string)
	BotsQuarantined(n int)
	BotPromoted()
	CapitalAllocated(ownerID string, allocated float64)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) TradeExecuted(string, domain.TradeMode) {}
func (NoopMetrics) TradeDenied(string, string)             {}
func (NoopMetrics) BotsQuarantined(int)                    {}
func (NoopMetrics) BotPromoted()                           {}
func (NoopMetrics) CapitalAllocated(string, float64)       {}

// Config holds orchestrator-level tunables.
type Config struct {
	CollaboratorTimeout  time.Duration // budget for any pricing/execution call
	ReallocationFraction float64       // share of real profit reinvested daily
}

// Decision is the outcome of a trade attempt. Rejections are normal control
// flow: Allowed=false plus the gate's reason, never an error.
type Decision struct {
	Allowed bool
	Reason  string
	Trade   *domain.TradeRecord
}

// Service wires the gate chain and drives the periodic sweeps. A trade
// attempt passes stage gate → budget → risk → price → execution, and only
// then touches the ledgered state.
type Service struct {
	store    ports.FleetStore
	ledger   *ledger.Ledger
	budget   *budget.Limiter
	gate     *risk.Gate
	machine  *lifecycle.Machine
	monitor  *anomaly.Monitor
	prices   ports.PriceProvider
	executor ports.TradeExecutor
	notifier ports.Notifier
	metrics  Metrics
	cfg      Config

	timeFunc func() time.Time
	newID    func() string
}

// New wires the full governance core.
func New(
	store ports.FleetStore,
	led *ledger.Ledger,
	bud *budget.Limiter,
	gate *risk.Gate,
	machine *lifecycle.Machine,
	monitor *anomaly.Monitor,
	prices ports.PriceProvider,
	executor ports.TradeExecutor,
	notifier ports.Notifier,
	metrics Metrics,
	cfg Config,
) *Service {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 3 * time.Second
	}
	return &Service{
		store:    store,
		ledger:   led,
		budget:   bud,
		gate:     gate,
		machine:  machine,
		monitor:  monitor,
		prices:   prices,
		executor: executor,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		timeFunc: func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithNow injects a deterministic clock for tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.timeFunc = now
	return s
}

// BotParams is the payload for creating a bot.
type BotParams struct {
	OwnerID        string
	Name           string
	Exchange       string
	Pair           string
	RiskMode       domain.RiskMode
	InitialCapital float64
}

// CreateBot validates the params, persists the bot and allocates its capital.
// Allocation failure aborts the creation: the partially created record is
// rolled back and the ledger error propagates untouched.
func (s *Service) CreateBot(ctx context.Context, p BotParams) (domain.Bot, error) {
	if !p.RiskMode.Valid() {
		return domain.Bot{}, fmt.Errorf("orchestrator.CreateBot: unknown risk mode %q", p.RiskMode)
	}
	if p.InitialCapital <= 0 {
		return domain.Bot{}, fmt.Errorf("orchestrator.CreateBot: initial capital must be positive")
	}
	if p.Pair == "" || p.Exchange == "" {
		return domain.Bot{}, fmt.Errorf("orchestrator.CreateBot: exchange and pair are required")
	}

	now := s.timeFunc()
	bot := domain.Bot{
		ID:             s.newID(),
		OwnerID:        p.OwnerID,
		Name:           p.Name,
		Exchange:       p.Exchange,
		Pair:           p.Pair,
		RiskMode:       p.RiskMode,
		Stage:          domain.StagePaperTraining,
		InitialCapital: p.InitialCapital,
		CurrentCapital: p.InitialCapital,
		CreatedAt:      now,
		PaperStartAt:   now,
	}
	if err := s.store.SaveBot(ctx, bot); err != nil {
		return domain.Bot{}, fmt.Errorf("orchestrator.CreateBot: save: %w", err)
	}

	if err := s.ledger.Allocate(ctx, p.OwnerID, bot.ID, p.InitialCapital); err != nil {
		// Roll back the half-created bot; the allocation error wins.
		if delErr := s.store.DeleteBot(ctx, bot.ID); delErr != nil {
			slog.Error("orchestrator: rollback failed after allocation error",
				"bot", bot.ID, "err", delErr)
		}
		return domain.Bot{}, err
	}

	bot, err := s.store.GetBot(ctx, bot.ID)
	if err != nil {
		return domain.Bot{}, fmt.Errorf("orchestrator.CreateBot: reload: %w", err)
	}

	if sum, err := s.ledger.AllocatedSum(ctx, p.OwnerID); err == nil {
		s.metrics.CapitalAllocated(p.OwnerID, sum)
	}
	slog.Info("orchestrator: bot created", "bot", bot.ID, "owner", p.OwnerID,
		"exchange", p.Exchange, "pair", p.Pair, "capital", p.InitialCapital)
	return bot, nil
}

// DeleteBot releases the bot's capital back to the pool and removes the
// record. Safe to call twice; release is idempotent.
func (s *Service) DeleteBot(ctx context.Context, botID string) error {
	released, err := s.ledger.Release(ctx, botID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBot(ctx, botID); err != nil {
		return fmt.Errorf("orchestrator.DeleteBot: %w", err)
	}
	slog.Info("orchestrator: bot deleted", "bot", botID, "released", released)
	return nil
}

// AttemptTrade feeds one trade attempt through the gate chain. A denial at
// any gate returns Allowed=false with that gate's reason; only capital or
// storage failures surface as errors.
func (s *Service) AttemptTrade(ctx context.Context, botID string, side domain.TradeSide, notional float64) (Decision, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return Decision{}, fmt.Errorf("orchestrator.AttemptTrade: %w", err)
	}

	// Lifecycle state is the authoritative gate over eligibility.
	if !bot.IsActive() {
		s.metrics.TradeDenied(bot.Exchange, "stage")
		return Decision{Reason: fmt.Sprintf("bot not active (stage %s)", bot.Stage)}, nil
	}

	if ok, reason := s.budget.CanTrade(bot); !ok {
		s.metrics.TradeDenied(bot.Exchange, "budget")
		return Decision{Reason: reason}, nil
	}

	owner, err := s.store.GetOwner(ctx, bot.OwnerID)
	if err != nil {
		return Decision{}, fmt.Errorf("orchestrator.AttemptTrade: owner: %w", err)
	}
	if ok, reason := s.gate.CheckTrade(ctx, owner, bot, notional); !ok {
		s.metrics.TradeDenied(bot.Exchange, "risk")
		return Decision{Reason: reason}, nil
	}

	// Collaborator calls run under a hard timeout; a hung feed is a denial.
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CollaboratorTimeout)
	defer cancel()

	price, err := s.prices.CurrentPrice(callCtx, bot.Pair, bot.Exchange)
	if err != nil {
		slog.Warn("orchestrator: price unavailable, denying", "bot", botID, "err", err)
		s.metrics.TradeDenied(bot.Exchange, "pricing")
		return Decision{Reason: "price unavailable"}, nil
	}

	mode := bot.TradeMode()
	res, err := s.executor.Execute(callCtx, ports.OrderRequest{
		BotID:    botID,
		Exchange: bot.Exchange,
		Pair:     bot.Pair,
		Side:     side,
		Notional: notional,
		Price:    price,
		Mode:     mode,
	})
	if err != nil {
		slog.Warn("orchestrator: execution failed, denying", "bot", botID, "err", err)
		s.metrics.TradeDenied(bot.Exchange, "execution")
		return Decision{Reason: "execution unavailable"}, nil
	}

	now := s.timeFunc()
	trade := domain.TradeRecord{
		ID:         s.newID(),
		BotID:      botID,
		OwnerID:    bot.OwnerID,
		Exchange:   bot.Exchange,
		Pair:       bot.Pair,
		Side:       side,
		Notional:   res.FilledNotional,
		Price:      res.FillPrice,
		PnL:        res.PnL,
		Mode:       mode,
		ExecutedAt: now,
	}
	if err := s.store.AppendTrade(ctx, trade); err != nil {
		return Decision{}, fmt.Errorf("orchestrator.AttemptTrade: append trade: %w", err)
	}

	// Trade execution updates capital and counters, never lifecycle state.
	// Field-scoped delta: bot was read before the gate chain, so a whole-row
	// save would silently overwrite any ledger write landed since (injection,
	// allocation).
	if err := s.store.ApplyTradeResult(ctx, botID, res.PnL, now); err != nil {
		return Decision{}, fmt.Errorf("orchestrator.AttemptTrade: apply result: %w", err)
	}
	bot.CurrentCapital += res.PnL
	bot.DailyTradeCount++
	bot.LastTradeAt = &now

	s.budget.RecordTrade(bot)
	if mode == domain.ModeLive {
		s.gate.RecordPnL(ctx, bot.OwnerID, res.PnL)
	}
	s.metrics.TradeExecuted(bot.Exchange, mode)

	slog.Debug("orchestrator: trade executed", "bot", botID, "mode", mode,
		"notional", res.FilledNotional, "pnl", res.PnL)
	return Decision{Allowed: true, Trade: &trade}, nil
}

// RunLifecycleSweep evaluates promotions for paper bots and purges bots
// marked for deletion (their capital goes back to the pool first).
func (s *Service) RunLifecycleSweep(ctx context.Context) error {
	bots, err := s.store.ListBots(ctx, ports.BotFilter{})
	if err != nil {
		return fmt.Errorf("orchestrator.RunLifecycleSweep: list: %w", err)
	}

	promoted, purged := 0, 0
	for _, bot := range bots {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch bot.Stage {
		case domain.StagePaperTraining:
			ok, err := s.machine.EvaluatePromotion(ctx, bot)
			if err != nil {
				slog.Warn("orchestrator: promotion check failed", "bot", bot.ID, "err", err)
				continue
			}
			if ok {
				promoted++
				s.metrics.BotPromoted()
			}
		case domain.StageMarkedForDeletion:
			if err := s.DeleteBot(ctx, bot.ID); err != nil {
				slog.Error("orchestrator: purge failed", "bot", bot.ID, "err", err)
				continue
			}
			purged++
		}
	}

	if promoted > 0 || purged > 0 {
		slog.Info("orchestrator: lifecycle sweep done", "promoted", promoted, "purged", purged)
	}
	return nil
}

// RunAnomalySweep releases quarantined bots whose pause elapsed, then scans
// the active fleet for fresh anomalies.
func (s *Service) RunAnomalySweep(ctx context.Context) error {
	if _, err := s.monitor.ReleaseDue(ctx); err != nil {
		slog.Warn("orchestrator: release pass failed", "err", err)
	}
	hit, err := s.monitor.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.RunAnomalySweep: %w", err)
	}
	if hit > 0 {
		s.metrics.BotsQuarantined(hit)
	}
	return nil
}

// RunDailyReset zeroes the daily counters at the midnight-UTC boundary:
// budget counters, risk accumulators, and each bot's persisted count.
func (s *Service) RunDailyReset(ctx context.Context) error {
	s.budget.ResetDaily()
	s.gate.ResetDaily()

	if err := s.store.ResetDailyCounts(ctx); err != nil {
		return fmt.Errorf("orchestrator.RunDailyReset: %w", err)
	}
	slog.Info("orchestrator: daily counters reset")
	return nil
}

// RunReallocation is the daily capital pass: each owner's best live
// performer gets a slice of its real profit reinvested from the pool,
// recorded as a rebalance injection so it never counts as trading skill.
func (s *Service) RunReallocation(ctx context.Context) error {
	bots, err := s.store.ListBots(ctx, ports.BotFilter{Stage: domain.StageLiveTrading})
	if err != nil {
		return fmt.Errorf("orchestrator.RunReallocation: list: %w", err)
	}

	best := make(map[string]struct {
		bot  domain.Bot
		real float64
	})
	for _, bot := range bots {
		report, err := s.ledger.RealProfit(ctx, bot.ID)
		if err != nil {
			slog.Warn("orchestrator: real profit unavailable", "bot", bot.ID, "err", err)
			continue
		}
		if report.Real <= 0 {
			continue
		}
		if cur, ok := best[bot.OwnerID]; !ok || report.Real > cur.real {
			best[bot.OwnerID] = struct {
				bot  domain.Bot
				real float64
			}{bot, report.Real}
		}
	}

	for ownerID, top := range best {
		amount := top.real * s.cfg.ReallocationFraction
		if amount <= 0 {
			continue
		}
		err := s.ledger.RecordInjection(ctx, top.bot.ID, amount, domain.SourceRebalance,
			"daily reallocation to top performer")
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				slog.Debug("orchestrator: reallocation skipped, pool exhausted", "owner", ownerID)
				continue
			}
			slog.Warn("orchestrator: reallocation failed", "owner", ownerID, "err", err)
			continue
		}
		s.notify(ctx, ports.Event{
			Kind: ports.EventReallocated, OwnerID: ownerID, BotID: top.bot.ID, BotName: top.bot.Name,
			Reason: fmt.Sprintf("reinvested %.2f of real profit", amount),
			At:     s.timeFunc(),
		})
	}
	return nil
}

func (s *Service) notify(ctx context.Context, ev ports.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("orchestrator: notifier error", "err", err)
	}
}
