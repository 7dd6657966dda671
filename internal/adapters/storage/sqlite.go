package storage

// sqlite.go — persistencia del estado de la flota.
//
// Estrategia:
//   - `owners`, `bots`: una fila por entidad, UPSERT atómico por fila.
//   - `trades`, `injections`, `episodes`: append-only, nunca se actualizan.
//     Son la única fuente de verdad para win rate, drawdown y real profit.
//   - Tiempos en RFC3339 UTC de ancho fijo, siempre comparables con BETWEEN.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/botfleet/internal/domain"
	"github.com/alejandrodnm/botfleet/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS owners (
    id            TEXT PRIMARY KEY,
    total_balance REAL    NOT NULL DEFAULT 0,
    reserved      REAL    NOT NULL DEFAULT 0,
    live_enabled  INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    name              TEXT NOT NULL DEFAULT '',
    exchange          TEXT NOT NULL,
    pair              TEXT NOT NULL,
    risk_mode         TEXT NOT NULL,
    stage             TEXT NOT NULL,
    initial_capital   REAL NOT NULL DEFAULT 0,
    current_capital   REAL NOT NULL DEFAULT 0,
    allocated_capital REAL NOT NULL DEFAULT 0,
    total_injections  REAL NOT NULL DEFAULT 0,
    quarantine_count  INTEGER NOT NULL DEFAULT 0,
    daily_trade_count INTEGER NOT NULL DEFAULT 0,
    last_trade_at     TEXT,
    created_at        TEXT NOT NULL,
    paper_start_at    TEXT NOT NULL,
    promoted_at       TEXT
);

CREATE TABLE IF NOT EXISTS trades (
    id          TEXT PRIMARY KEY,
    bot_id      TEXT NOT NULL,
    owner_id    TEXT NOT NULL,
    exchange    TEXT NOT NULL,
    pair        TEXT NOT NULL,
    side        TEXT NOT NULL,
    notional    REAL NOT NULL,
    price       REAL NOT NULL DEFAULT 0,
    pnl         REAL NOT NULL DEFAULT 0,
    mode        TEXT NOT NULL,
    executed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS injections (
    id     TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    amount REAL NOT NULL,
    source TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
    id         TEXT PRIMARY KEY,
    bot_id     TEXT NOT NULL,
    reason     TEXT NOT NULL,
    ordinal    INTEGER NOT NULL,
    entered_at TEXT NOT NULL,
    release_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bots_owner       ON bots(owner_id);
CREATE INDEX IF NOT EXISTS idx_bots_stage       ON bots(stage);
CREATE INDEX IF NOT EXISTS idx_trades_bot_at    ON trades(bot_id, executed_at);
CREATE INDEX IF NOT EXISTS idx_trades_owner_at  ON trades(owner_id, executed_at);
CREATE INDEX IF NOT EXISTS idx_injections_bot   ON injections(bot_id);
CREATE INDEX IF NOT EXISTS idx_episodes_bot     ON episodes(bot_id, entered_at DESC);
`

// SQLiteStore implementa ports.FleetStore usando SQLite (pure Go, sin CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore abre (o crea) la base de datos en la ruta dada.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveOwner inserta o actualiza un owner.
func (s *SQLiteStore) SaveOwner(ctx context.Context, o domain.Owner) error {
	live := 0
	if o.LiveEnabled {
		live = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (id, total_balance, reserved, live_enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_balance = excluded.total_balance,
			reserved      = excluded.reserved,
			live_enabled  = excluded.live_enabled
	`, o.ID, o.TotalBalance, o.Reserved, live, fmtTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("storage.SaveOwner: %w", err)
	}
	return nil
}

// GetOwner devuelve el owner o domain.ErrOwnerNotFound.
func (s *SQLiteStore) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	var o domain.Owner
	var live int
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_balance, reserved, live_enabled, created_at FROM owners WHERE id = ?
	`, id).Scan(&o.ID, &o.TotalBalance, &o.Reserved, &live, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Owner{}, domain.ErrOwnerNotFound
	}
	if err != nil {
		return domain.Owner{}, fmt.Errorf("storage.GetOwner: %w", err)
	}
	o.LiveEnabled = live == 1
	o.CreatedAt = parseTime(createdAt)
	return o, nil
}

// SaveBot inserta o actualiza un bot. El UPSERT por fila es el "atomic
// update" que asume el core.
func (s *SQLiteStore) SaveBot(ctx context.Context, b domain.Bot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots
			(id, owner_id, name, exchange, pair, risk_mode, stage,
			 initial_capital, current_capital, allocated_capital, total_injections,
			 quarantine_count, daily_trade_count, last_trade_at, created_at,
			 paper_start_at, promoted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id          = excluded.owner_id,
			name              = excluded.name,
			exchange          = excluded.exchange,
			pair              = excluded.pair,
			risk_mode         = excluded.risk_mode,
			stage             = excluded.stage,
			initial_capital   = excluded.initial_capital,
			current_capital   = excluded.current_capital,
			allocated_capital = excluded.allocated_capital,
			total_injections  = excluded.total_injections,
			quarantine_count  = excluded.quarantine_count,
			daily_trade_count = excluded.daily_trade_count,
			last_trade_at     = excluded.last_trade_at,
			paper_start_at    = excluded.paper_start_at,
			promoted_at       = excluded.promoted_at
	`, b.ID, b.OwnerID, b.Name, b.Exchange, b.Pair, string(b.RiskMode), string(b.Stage),
		b.InitialCapital, b.CurrentCapital, b.AllocatedCapital, b.TotalInjections,
		b.QuarantineCount, b.DailyTradeCount, fmtTimePtr(b.LastTradeAt), fmtTime(b.CreatedAt),
		fmtTime(b.PaperStartAt), fmtTimePtr(b.PromotedAt))
	if err != nil {
		return fmt.Errorf("storage.SaveBot: %s: %w", b.ID, err)
	}
	return nil
}

// GetBot devuelve el bot o domain.ErrBotNotFound.
func (s *SQLiteStore) GetBot(ctx context.Context, id string) (domain.Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, exchange, pair, risk_mode, stage,
		       initial_capital, current_capital, allocated_capital, total_injections,
		       quarantine_count, daily_trade_count, last_trade_at, created_at,
		       paper_start_at, promoted_at
		FROM bots WHERE id = ?
	`, id)
	b, err := scanBot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bot{}, domain.ErrBotNotFound
	}
	if err != nil {
		return domain.Bot{}, fmt.Errorf("storage.GetBot: %w", err)
	}
	return b, nil
}

// AdjustCapital aplica el delta de capital con un update acotado a campos.
// El `campo = campo + ?` lo resuelve SQLite dentro del statement, así que
// una escritura concurrente sobre otros campos nunca se pierde.
func (s *SQLiteStore) AdjustCapital(ctx context.Context, botID string, d ports.CapitalDelta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET
			allocated_capital = allocated_capital + ?,
			current_capital   = current_capital + ?,
			total_injections  = total_injections + ?
		WHERE id = ?
	`, d.Allocated, d.Current, d.Injections, botID)
	if err != nil {
		return fmt.Errorf("storage.AdjustCapital: %s: %w", botID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrBotNotFound
	}
	return nil
}

// ApplyTradeResult persiste el resultado de un trade sin tocar los campos
// que pertenecen al ledger o al lifecycle.
func (s *SQLiteStore) ApplyTradeResult(ctx context.Context, botID string, pnl float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET
			current_capital   = current_capital + ?,
			daily_trade_count = daily_trade_count + 1,
			last_trade_at     = ?
		WHERE id = ?
	`, pnl, fmtTime(at), botID)
	if err != nil {
		return fmt.Errorf("storage.ApplyTradeResult: %s: %w", botID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrBotNotFound
	}
	return nil
}

// ResetDailyCounts pone a cero el contador diario de toda la flota.
func (s *SQLiteStore) ResetDailyCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bots SET daily_trade_count = 0 WHERE daily_trade_count <> 0
	`)
	if err != nil {
		return fmt.Errorf("storage.ResetDailyCounts: %w", err)
	}
	return nil
}

// DeleteBot elimina el registro del bot. Idempotente.
func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage.DeleteBot: %w", err)
	}
	return nil
}

// ListBots devuelve los bots que cumplen el filtro, ordenados por creación.
func (s *SQLiteStore) ListBots(ctx context.Context, f ports.BotFilter) ([]domain.Bot, error) {
	query := `
		SELECT id, owner_id, name, exchange, pair, risk_mode, stage,
		       initial_capital, current_capital, allocated_capital, total_injections,
		       quarantine_count, daily_trade_count, last_trade_at, created_at,
		       paper_start_at, promoted_at
		FROM bots WHERE 1=1`
	args := []any{}
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(f.Stage))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListBots: %w", err)
	}
	defer rows.Close()

	var bots []domain.Bot
	for rows.Next() {
		b, err := scanBot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage.ListBots: scan: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// AppendTrade añade un trade al historial inmutable.
func (s *SQLiteStore) AppendTrade(ctx context.Context, t domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, bot_id, owner_id, exchange, pair, side, notional, price, pnl, mode, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BotID, t.OwnerID, t.Exchange, t.Pair, string(t.Side),
		t.Notional, t.Price, t.PnL, string(t.Mode), fmtTime(t.ExecutedAt))
	if err != nil {
		return fmt.Errorf("storage.AppendTrade: %w", err)
	}
	return nil
}

// TradesSince devuelve los trades de un bot desde el instante dado.
func (s *SQLiteStore) TradesSince(ctx context.Context, botID string, since time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, owner_id, exchange, pair, side, notional, price, pnl, mode, executed_at
		FROM trades WHERE bot_id = ? AND executed_at >= ?
		ORDER BY executed_at
	`, botID, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("storage.TradesSince: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// OwnerTradesSince devuelve los trades de todos los bots de un owner.
func (s *SQLiteStore) OwnerTradesSince(ctx context.Context, ownerID string, since time.Time, mode domain.TradeMode) ([]domain.TradeRecord, error) {
	query := `
		SELECT id, bot_id, owner_id, exchange, pair, side, notional, price, pnl, mode, executed_at
		FROM trades WHERE owner_id = ? AND executed_at >= ?`
	args := []any{ownerID, fmtTime(since)}
	if mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(mode))
	}
	query += ` ORDER BY executed_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.OwnerTradesSince: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// AppendInjection añade una inyección de capital al registro inmutable.
func (s *SQLiteStore) AppendInjection(ctx context.Context, inj domain.CapitalInjection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO injections (id, bot_id, amount, source, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inj.ID, inj.BotID, inj.Amount, string(inj.Source), inj.Reason, fmtTime(inj.At))
	if err != nil {
		return fmt.Errorf("storage.AppendInjection: %w", err)
	}
	return nil
}

// InjectionsTotal devuelve la suma de inyecciones de un bot.
func (s *SQLiteStore) InjectionsTotal(ctx context.Context, botID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM injections WHERE bot_id = ?`, botID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage.InjectionsTotal: %w", err)
	}
	return total.Float64, nil
}

// AppendEpisode registra un episodio de cuarentena.
func (s *SQLiteStore) AppendEpisode(ctx context.Context, ep domain.QuarantineEpisode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, bot_id, reason, ordinal, entered_at, release_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.BotID, string(ep.Reason), ep.Ordinal, fmtTime(ep.EnteredAt), fmtTime(ep.ReleaseAt))
	if err != nil {
		return fmt.Errorf("storage.AppendEpisode: %w", err)
	}
	return nil
}

// LastEpisode devuelve el episodio más reciente del bot.
func (s *SQLiteStore) LastEpisode(ctx context.Context, botID string) (domain.QuarantineEpisode, bool, error) {
	var ep domain.QuarantineEpisode
	var reason, enteredAt, releaseAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, reason, ordinal, entered_at, release_at
		FROM episodes WHERE bot_id = ?
		ORDER BY entered_at DESC, ordinal DESC LIMIT 1
	`, botID).Scan(&ep.ID, &ep.BotID, &reason, &ep.Ordinal, &enteredAt, &releaseAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QuarantineEpisode{}, false, nil
	}
	if err != nil {
		return domain.QuarantineEpisode{}, false, fmt.Errorf("storage.LastEpisode: %w", err)
	}
	ep.Reason = domain.AnomalyReason(reason)
	ep.EnteredAt = parseTime(enteredAt)
	ep.ReleaseAt = parseTime(releaseAt)
	return ep, true, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

func scanBot(scan func(...any) error) (domain.Bot, error) {
	var b domain.Bot
	var riskMode, stage, createdAt, paperStartAt string
	var lastTradeAt, promotedAt sql.NullString
	err := scan(&b.ID, &b.OwnerID, &b.Name, &b.Exchange, &b.Pair, &riskMode, &stage,
		&b.InitialCapital, &b.CurrentCapital, &b.AllocatedCapital, &b.TotalInjections,
		&b.QuarantineCount, &b.DailyTradeCount, &lastTradeAt, &createdAt,
		&paperStartAt, &promotedAt)
	if err != nil {
		return domain.Bot{}, err
	}
	b.RiskMode = domain.RiskMode(riskMode)
	b.Stage = domain.Stage(stage)
	b.CreatedAt = parseTime(createdAt)
	b.PaperStartAt = parseTime(paperStartAt)
	b.LastTradeAt = parseTimePtr(lastTradeAt)
	b.PromotedAt = parseTimePtr(promotedAt)
	return b, nil
}

func collectTrades(rows *sql.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side, mode, executedAt string
		if err := rows.Scan(&t.ID, &t.BotID, &t.OwnerID, &t.Exchange, &t.Pair, &side,
			&t.Notional, &t.Price, &t.PnL, &mode, &executedAt); err != nil {
			return nil, fmt.Errorf("storage: scan trade: %w", err)
		}
		t.Side = domain.TradeSide(side)
		t.Mode = domain.TradeMode(mode)
		t.ExecutedAt = parseTime(executedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// timeLayout es RFC3339 con fracción de ancho fijo: en UTC las cadenas
// se ordenan lexicográficamente, así los BETWEEN/>= de SQL funcionan.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
