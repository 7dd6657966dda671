package ports

import (
	"context"

	"github.com/alejandrodnm/botfleet/internal/domain"
)

// OrderRequest is what the core hands to the execution collaborator once
// every gate has passed.
type OrderRequest struct {
	BotID    string
	Exchange string
	Pair     string
	Side     domain.TradeSide
	Notional float64
	Price    float64 // reference price from the provider at decision time
	Mode     domain.TradeMode
}

// ExecutionResult is the realized outcome reported back by the executor.
type ExecutionResult struct {
	FilledNotional float64
	FillPrice      float64
	PnL            float64 // realized on this trade (paper sim or live fill)
}

// TradeExecutor executes orders against an exchange (or simulates them in
// paper mode). The core never talks to an exchange directly.
type TradeExecutor interface {
	Execute(ctx context.Context, req OrderRequest) (ExecutionResult, error)
}
