package domain

import (
	"fmt"
	"time"
)

// AnomalyReason is the detector that sent a bot to quarantine.
type AnomalyReason string

const (
	ReasonExcessiveLoss   AnomalyReason = "excessive_loss"   // >15% of capital lost in the last hour
	ReasonStuckBot        AnomalyReason = "stuck_bot"        // active but silent for 24h
	ReasonAbnormalTrading AnomalyReason = "abnormal_trading" // daily trade count at exchange caps
	ReasonCapitalAnomaly  AnomalyReason = "capital_anomaly"  // drawdown from initial >20%
)

// QuarantineEpisode is one stay in quarantine. Episodes are created only by
// the anomaly monitor; the orchestrator reads them to release or escalate.
type QuarantineEpisode struct {
	ID        string
	BotID     string
	Reason    AnomalyReason
	Ordinal   int // 1st, 2nd, 3rd offense...
	EnteredAt time.Time
	ReleaseAt time.Time
}

// EscalationLadder holds the quarantine duration per offense ordinal.
// Durations must be strictly increasing; an offense past the last rung is
// terminal (the bot is marked for deletion instead of paused again).
type EscalationLadder []time.Duration

// Validate rejects ladders that are empty or not strictly increasing.
func (l EscalationLadder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("domain.EscalationLadder: empty ladder")
	}
	for i := 1; i < len(l); i++ {
		if l[i] <= l[i-1] {
			return fmt.Errorf("domain.EscalationLadder: rung %d (%s) not greater than rung %d (%s)",
				i+1, l[i], i, l[i-1])
		}
	}
	return nil
}

// DurationFor returns the pause duration for the given offense ordinal
// (1-based) and whether the offense is terminal. Ordinals past the ladder
// are terminal: no duration applies.
func (l EscalationLadder) DurationFor(ordinal int) (time.Duration, bool) {
	if ordinal < 1 {
		ordinal = 1
	}
	if ordinal > len(l) {
		return 0, true
	}
	return l[ordinal-1], false
}
