package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	requestsPerSec = 10
	burst          = 20

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client es un ports.PriceProvider sobre HTTP con rate limiting y retries.
// Un fallo transitorio se reintenta con backoff un número acotado de veces;
// agotados los intentos el error sube y el gate deniega la operación.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewClient crea un Client para el endpoint de market data dado.
func NewClient(base string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 5 * time.Second},
		base:    base,
		limiter: rate.NewLimiter(requestsPerSec, burst),
	}
}

type tickerResponse struct {
	Pair     string  `json:"pair"`
	Exchange string  `json:"exchange"`
	Price    float64 `json:"price"`
}

// CurrentPrice devuelve el último precio del par en el exchange dado.
func (c *Client) CurrentPrice(ctx context.Context, pair, exchange string) (float64, error) {
	u := fmt.Sprintf("%s/ticker?pair=%s&exchange=%s",
		c.base, url.QueryEscape(pair), url.QueryEscape(exchange))

	var resp tickerResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return 0, fmt.Errorf("pricing.CurrentPrice: %s@%s: %w", pair, exchange, err)
	}
	if resp.Price <= 0 {
		return 0, fmt.Errorf("pricing.CurrentPrice: %s@%s: non-positive price %.4f", pair, exchange, resp.Price)
	}
	return resp.Price, nil
}

// get hace GET con rate limiting y retries exponenciales sobre 5xx/red.
func (c *Client) get(ctx context.Context, u string, out any) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if attempt > 0 {
			wait := time.Duration(float64(baseRetryWait) * math.Pow(2, float64(attempt-1)))
			slog.Debug("pricing: retrying", "attempt", attempt, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 120))
		}
		return json.Unmarshal(body, out)
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Static es un PriceProvider fijo para tests y paper mode sin feed real.
type Static struct {
	mu     sync.RWMutex
	prices map[string]float64 // "pair@exchange" → precio
}

// NewStatic crea un provider con los precios dados.
func NewStatic(prices map[string]float64) *Static {
	if prices == nil {
		prices = make(map[string]float64)
	}
	return &Static{prices: prices}
}

// Set fija el precio de un par.
func (s *Static) Set(pair, exchange string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[pair+"@"+exchange] = price
}

// CurrentPrice devuelve el precio fijado o error si no existe.
func (s *Static) CurrentPrice(_ context.Context, pair, exchange string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prices[pair+"@"+exchange]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("pricing.Static: no price for %s@%s", pair, exchange)
}
