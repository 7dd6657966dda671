package budget

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/botfleet/internal/domain"
)

const maxJitter = 5 * time.Minute

// Rule is the trading budget for one exchange.
type Rule struct {
	MaxTradesPerBotPerDay int
	MinCooldown           time.Duration
	MaxAPICallsPerMinute  int
}

// Limiter enforces per-bot daily trade caps and cooldowns, and a per-exchange
// API call budget. It is an advisory gate, not a ledger: counters may lag a
// concurrent trade, and any doubt resolves to a rejection.
//
// Cooldowns carry randomized jitter (min + up to 5 extra minutes) so a fleet
// of bots released at the same instant does not fire in a synchronized burst.
type Limiter struct {
	rules map[string]Rule

	mu       sync.Mutex
	counters map[string]*botCounter    // botID → today's state
	api      map[string]*rate.Limiter  // exchange → API call budget
	day      time.Time                 // start of the counters' day (UTC)

	rng      *rand.Rand
	rngMu    sync.Mutex
	timeFunc func() time.Time
}

type botCounter struct {
	count     int
	lastTrade time.Time
	cooldown  time.Duration // jittered, fixed at record time
}

// New creates a limiter with the given per-exchange rules. The rand source
// is injected so tests can fix the seed and assert exact jitter bounds.
func New(rules map[string]Rule, rng *rand.Rand) *Limiter {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l := &Limiter{
		rules:    rules,
		counters: make(map[string]*botCounter),
		api:      make(map[string]*rate.Limiter),
		rng:      rng,
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
	for name, r := range rules {
		perSec := float64(r.MaxAPICallsPerMinute) / 60.0
		l.api[name] = rate.NewLimiter(rate.Limit(perSec), r.MaxAPICallsPerMinute)
	}
	l.day = domain.MidnightUTC(l.timeFunc())
	return l
}

// WithNow injects a deterministic clock for tests.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.timeFunc = now
	l.day = domain.MidnightUTC(now())
	return l
}

// CanTrade reports whether the bot may attempt a trade right now, with a
// specific reason when it may not. Callers must surface the reason.
func (l *Limiter) CanTrade(bot domain.Bot) (bool, string) {
	if !bot.IsActive() {
		return false, "bot not active"
	}

	rule, ok := l.rules[bot.Exchange]
	if !ok {
		// Unknown exchange: fail closed rather than guess a budget.
		return false, fmt.Sprintf("no budget rules for exchange %q", bot.Exchange)
	}

	now := l.timeFunc()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)

	c := l.counterLocked(bot, rule)

	if c.count >= rule.MaxTradesPerBotPerDay {
		return false, fmt.Sprintf("daily limit reached (%d/%d)", c.count, rule.MaxTradesPerBotPerDay)
	}

	if !c.lastTrade.IsZero() {
		readyAt := c.lastTrade.Add(c.cooldown)
		if now.Before(readyAt) {
			mins := int(math.Ceil(readyAt.Sub(now).Minutes()))
			return false, fmt.Sprintf("cooldown active (%d min remaining)", mins)
		}
	}

	if lim := l.api[bot.Exchange]; lim != nil && !lim.Allow() {
		return false, fmt.Sprintf("api call budget exhausted for %s", bot.Exchange)
	}

	return true, ""
}

// RecordTrade updates the bot's daily counter and arms a fresh jittered
// cooldown. Called after a trade actually executed.
func (l *Limiter) RecordTrade(bot domain.Bot) {
	rule, ok := l.rules[bot.Exchange]
	if !ok {
		return
	}
	now := l.timeFunc()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(now)

	c := l.counterLocked(bot, rule)
	c.count++
	c.lastTrade = now
	c.cooldown = l.jittered(rule.MinCooldown)
}

// ResetDaily zeroes every daily counter. Driven by the orchestrator's
// midnight-UTC cron entry; the per-call rollover exists only as a safety
// net if the cron ever misfires.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[string]*botCounter)
	l.day = domain.MidnightUTC(l.timeFunc())
}

// DailyCount returns today's recorded trade count for the bot.
func (l *Limiter) DailyCount(botID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[botID]; ok {
		return c.count
	}
	return 0
}

// jittered returns min plus a random extra of up to 5 minutes.
func (l *Limiter) jittered(min time.Duration) time.Duration {
	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	return min + time.Duration(l.rng.Int63n(int64(maxJitter)))
}

// counterLocked returns the bot's counter, seeding a fresh one from the
// bot's persisted fields. The persisted daily count is the documented
// fallback when the in-memory state is lost (restart mid-day).
func (l *Limiter) counterLocked(bot domain.Bot, rule Rule) *botCounter {
	c, ok := l.counters[bot.ID]
	if ok {
		return c
	}
	c = &botCounter{count: bot.DailyTradeCount, cooldown: l.jittered(rule.MinCooldown)}
	if bot.LastTradeAt != nil {
		c.lastTrade = *bot.LastTradeAt
	}
	l.counters[bot.ID] = c
	return c
}

func (l *Limiter) rolloverLocked(now time.Time) {
	if today := domain.MidnightUTC(now); today.After(l.day) {
		l.counters = make(map[string]*botCounter)
		l.day = today
	}
}
