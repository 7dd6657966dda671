package ports

import "context"

// PriceProvider es la fuente externa de precios. El core nunca descubre
// precios por sí mismo; si el provider falla o expira el timeout, el gate
// deniega la operación en vez de colgarse.
type PriceProvider interface {
	// CurrentPrice devuelve el último precio del par en el exchange dado.
	CurrentPrice(ctx context.Context, pair, exchange string) (float64, error)
}
