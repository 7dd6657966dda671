package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/botfleet/internal/domain"
)

// BotFilter restringe los bots devueltos por ListBots.
type BotFilter struct {
	OwnerID string       // vacío = todos los owners
	Stage   domain.Stage // vacío = cualquier stage
}

// CapitalDelta es un ajuste relativo a los campos de capital de un bot.
// Cada campo se suma al valor persistido, nunca lo sustituye.
type CapitalDelta struct {
	Allocated  float64
	Current    float64
	Injections float64
}

// FleetStore persiste el estado de la flota. El core solo asume primitivas
// estrechas: append de registros inmutables, update atómico por entidad y
// queries por predicado — la tecnología de almacenamiento es un detalle
// del adapter.
//
// Los writers concurrentes (ledger y trades) tocan campos distintos del
// bot: los updates acotados por campo (AdjustCapital, ApplyTradeResult)
// existen para que ninguno pise la escritura del otro.
type FleetStore interface {
	// SaveOwner inserta o actualiza un owner.
	SaveOwner(ctx context.Context, o domain.Owner) error

	// GetOwner devuelve el owner o domain.ErrOwnerNotFound.
	GetOwner(ctx context.Context, id string) (domain.Owner, error)

	// SaveBot inserta o actualiza un bot de forma atómica.
	SaveBot(ctx context.Context, b domain.Bot) error

	// GetBot devuelve el bot o domain.ErrBotNotFound.
	GetBot(ctx context.Context, id string) (domain.Bot, error)

	// AdjustCapital aplica el delta sobre los campos de capital del bot en
	// un solo update atómico, sin reescribir el resto de la fila.
	// domain.ErrBotNotFound si el bot no existe.
	AdjustCapital(ctx context.Context, botID string, d CapitalDelta) error

	// ApplyTradeResult persiste el resultado de un trade: pnl sobre el
	// capital actual, contador diario +1 y last_trade_at. Acotado a esos
	// campos. domain.ErrBotNotFound si el bot no existe.
	ApplyTradeResult(ctx context.Context, botID string, pnl float64, at time.Time) error

	// ResetDailyCounts pone a cero el contador diario de toda la flota.
	ResetDailyCounts(ctx context.Context) error

	// DeleteBot elimina el registro del bot. Idempotente.
	DeleteBot(ctx context.Context, id string) error

	// ListBots devuelve los bots que cumplen el filtro.
	ListBots(ctx context.Context, f BotFilter) ([]domain.Bot, error)

	// AppendTrade añade un trade al historial inmutable.
	AppendTrade(ctx context.Context, t domain.TradeRecord) error

	// TradesSince devuelve los trades de un bot desde el instante dado,
	// en orden de ejecución.
	TradesSince(ctx context.Context, botID string, since time.Time) ([]domain.TradeRecord, error)

	// OwnerTradesSince devuelve los trades de todos los bots de un owner
	// desde el instante dado. mode vacío = paper y live.
	OwnerTradesSince(ctx context.Context, ownerID string, since time.Time, mode domain.TradeMode) ([]domain.TradeRecord, error)

	// AppendInjection añade una inyección de capital al registro inmutable.
	AppendInjection(ctx context.Context, inj domain.CapitalInjection) error

	// InjectionsTotal devuelve la suma de inyecciones de un bot.
	InjectionsTotal(ctx context.Context, botID string) (float64, error)

	// AppendEpisode registra un episodio de cuarentena.
	AppendEpisode(ctx context.Context, ep domain.QuarantineEpisode) error

	// LastEpisode devuelve el episodio más reciente del bot, o false si
	// nunca estuvo en cuarentena.
	LastEpisode(ctx context.Context, botID string) (domain.QuarantineEpisode, bool, error)

	// Close cierra la conexión limpiamente.
	Close() error
}
