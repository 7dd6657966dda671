package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/alejandrodnm/botfleet/internal/ports"
)

const (
	defaultSlippagePct = 0.001 // 10 bps against the taker
	defaultMaxMovePct  = 0.02  // simulated adverse/favorable move per round trip
)

// Paper is a ports.TradeExecutor that fills orders against the reference
// price instead of an exchange. The randomness source is injected so tests
// can fix the seed and get reproducible fills.
type Paper struct {
	mu  sync.Mutex
	rng *rand.Rand

	slippagePct float64
	maxMovePct  float64
}

// NewPaper creates a paper executor with the given rand source.
func NewPaper(rng *rand.Rand) *Paper {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Paper{
		rng:         rng,
		slippagePct: defaultSlippagePct,
		maxMovePct:  defaultMaxMovePct,
	}
}

// Execute simulates a fill: full notional at the reference price plus
// slippage, with a bounded random move deciding the realized PnL.
func (p *Paper) Execute(_ context.Context, req ports.OrderRequest) (ports.ExecutionResult, error) {
	if req.Notional <= 0 {
		return ports.ExecutionResult{}, fmt.Errorf("execution.Paper: non-positive notional %.2f", req.Notional)
	}
	if req.Price <= 0 {
		return ports.ExecutionResult{}, fmt.Errorf("execution.Paper: no reference price for %s", req.Pair)
	}

	p.mu.Lock()
	move := (p.rng.Float64()*2 - 1) * p.maxMovePct
	p.mu.Unlock()

	fillPrice := req.Price * (1 + p.slippagePct)
	pnl := req.Notional * (move - p.slippagePct)

	return ports.ExecutionResult{
		FilledNotional: req.Notional,
		FillPrice:      fillPrice,
		PnL:            pnl,
	}, nil
}
