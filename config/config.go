package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/botfleet/internal/domain"
)

// Config es la configuración completa de la flota.
type Config struct {
	Fleet      FleetConfig               `yaml:"fleet"`
	Exchanges  map[string]ExchangeLimits `yaml:"exchanges"`
	Risk       RiskConfig                `yaml:"risk"`
	Promotion  PromotionConfig           `yaml:"promotion"`
	Quarantine QuarantineConfig          `yaml:"quarantine"`
	Storage    StorageConfig             `yaml:"storage"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Log        LogConfig                 `yaml:"log"`
}

// FleetConfig controla las cadencias del orquestador.
type FleetConfig struct {
	AnomalyIntervalSeconds int     `yaml:"anomaly_interval_seconds"` // sweep de anomalías (sub-minuto)
	LifecycleCron          string  `yaml:"lifecycle_cron"`           // sweep de lifecycle (por defecto cada hora)
	DailyResetCron         string  `yaml:"daily_reset_cron"`         // reset de contadores (medianoche UTC)
	ReallocationCron       string  `yaml:"reallocation_cron"`        // reparto diario de capital
	ReallocationFraction   float64 `yaml:"reallocation_fraction"`    // fracción del real profit reinvertida
	CollaboratorTimeoutMS  int     `yaml:"collaborator_timeout_ms"`  // timeout para pricing/ejecución
}

// ExchangeLimits son los límites de trading por exchange.
type ExchangeLimits struct {
	MaxTradesPerBotPerDay int `yaml:"max_trades_per_bot_per_day"`
	MinCooldownMinutes    int `yaml:"min_cooldown_minutes"`
	MaxAPICallsPerMinute  int `yaml:"max_api_calls_per_minute"`
}

// RiskConfig son los umbrales del risk gate.
type RiskConfig struct {
	DailyLossPct        float64 `yaml:"daily_loss_pct"`        // protección: pérdida diaria del owner sobre equity
	AssetExposurePct    float64 `yaml:"asset_exposure_pct"`    // exposición máxima a un solo activo
	ExchangeExposurePct float64 `yaml:"exchange_exposure_pct"` // exposición máxima a un solo exchange
	MinNotional         float64 `yaml:"min_notional"`          // suelo absoluto por trade
}

// PromotionConfig son los criterios de paper → live. Todos deben cumplirse.
type PromotionConfig struct {
	MinPaperDays    int     `yaml:"min_paper_days"`
	MinTrades       int     `yaml:"min_trades"`
	MinWinRate      float64 `yaml:"min_win_rate"`
	MinNetProfitPct float64 `yaml:"min_net_profit_pct"` // sobre capital inicial
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	MinProfitFactor float64 `yaml:"min_profit_factor"`
}

// QuarantineConfig define la escalera de cuarentena y los detectores.
type QuarantineConfig struct {
	LadderHours    []float64 `yaml:"ladder_hours"`     // duraciones crecientes; pasada la última → deletion
	HourlyLossPct  float64   `yaml:"hourly_loss_pct"`  // detector excessive loss
	StuckHours     float64   `yaml:"stuck_hours"`      // detector stuck bot
	AbnormalTrades int       `yaml:"abnormal_trades"`  // detector abnormal trading
	MaxDrawdownPct float64   `yaml:"max_drawdown_pct"` // detector capital anomaly
}

// StorageConfig controla dónde se persiste el estado.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// MetricsConfig controla el endpoint Prometheus.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AnomalyInterval devuelve el intervalo del sweep de anomalías.
func (c *Config) AnomalyInterval() time.Duration {
	return time.Duration(c.Fleet.AnomalyIntervalSeconds) * time.Second
}

// CollaboratorTimeout devuelve el timeout para llamadas a colaboradores.
func (c *Config) CollaboratorTimeout() time.Duration {
	return time.Duration(c.Fleet.CollaboratorTimeoutMS) * time.Millisecond
}

// Ladder convierte las horas configuradas en una escalera tipada.
func (c *Config) Ladder() domain.EscalationLadder {
	ladder := make(domain.EscalationLadder, 0, len(c.Quarantine.LadderHours))
	for _, h := range c.Quarantine.LadderHours {
		ladder = append(ladder, time.Duration(h*float64(time.Hour)))
	}
	return ladder
}

// Validate comprueba las propiedades que no pueden repararse con defaults.
func (c *Config) Validate() error {
	if err := c.Ladder().Validate(); err != nil {
		return fmt.Errorf("config.Validate: quarantine ladder: %w", err)
	}
	for name, ex := range c.Exchanges {
		if ex.MaxTradesPerBotPerDay <= 0 {
			return fmt.Errorf("config.Validate: exchange %q: max_trades_per_bot_per_day must be > 0", name)
		}
		if ex.MinCooldownMinutes < 0 {
			return fmt.Errorf("config.Validate: exchange %q: negative cooldown", name)
		}
	}
	return nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FLEET_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Fleet.AnomalyIntervalSeconds <= 0 {
		cfg.Fleet.AnomalyIntervalSeconds = 30
	}
	if cfg.Fleet.LifecycleCron == "" {
		cfg.Fleet.LifecycleCron = "0 0 * * * *" // cada hora en punto
	}
	if cfg.Fleet.DailyResetCron == "" {
		cfg.Fleet.DailyResetCron = "0 0 0 * * *" // medianoche UTC
	}
	if cfg.Fleet.ReallocationCron == "" {
		cfg.Fleet.ReallocationCron = "0 30 0 * * *" // tras el reset diario
	}
	if cfg.Fleet.ReallocationFraction <= 0 {
		cfg.Fleet.ReallocationFraction = 0.25
	}
	if cfg.Fleet.CollaboratorTimeoutMS <= 0 {
		cfg.Fleet.CollaboratorTimeoutMS = 3000
	}

	if len(cfg.Exchanges) == 0 {
		cfg.Exchanges = map[string]ExchangeLimits{
			"binance": {MaxTradesPerBotPerDay: 150, MinCooldownMinutes: 10, MaxAPICallsPerMinute: 1200},
			"luno":    {MaxTradesPerBotPerDay: 50, MinCooldownMinutes: 15, MaxAPICallsPerMinute: 300},
			"valr":    {MaxTradesPerBotPerDay: 100, MinCooldownMinutes: 12, MaxAPICallsPerMinute: 600},
		}
	}

	if cfg.Risk.DailyLossPct <= 0 {
		cfg.Risk.DailyLossPct = 0.05
	}
	if cfg.Risk.AssetExposurePct <= 0 {
		cfg.Risk.AssetExposurePct = 0.35
	}
	if cfg.Risk.ExchangeExposurePct <= 0 {
		cfg.Risk.ExchangeExposurePct = 0.60
	}
	if cfg.Risk.MinNotional <= 0 {
		cfg.Risk.MinNotional = 10.0
	}

	if cfg.Promotion.MinPaperDays <= 0 {
		cfg.Promotion.MinPaperDays = 7
	}
	if cfg.Promotion.MinTrades <= 0 {
		cfg.Promotion.MinTrades = 25
	}
	if cfg.Promotion.MinWinRate <= 0 {
		cfg.Promotion.MinWinRate = 0.52
	}
	if cfg.Promotion.MinNetProfitPct <= 0 {
		cfg.Promotion.MinNetProfitPct = 0.03
	}
	if cfg.Promotion.MaxDrawdownPct <= 0 {
		cfg.Promotion.MaxDrawdownPct = 0.15
	}
	if cfg.Promotion.MinProfitFactor <= 0 {
		cfg.Promotion.MinProfitFactor = 1.2
	}

	if len(cfg.Quarantine.LadderHours) == 0 {
		cfg.Quarantine.LadderHours = []float64{4, 12, 48}
	}
	if cfg.Quarantine.HourlyLossPct <= 0 {
		cfg.Quarantine.HourlyLossPct = 0.15
	}
	if cfg.Quarantine.StuckHours <= 0 {
		cfg.Quarantine.StuckHours = 24
	}
	if cfg.Quarantine.AbnormalTrades <= 0 {
		cfg.Quarantine.AbnormalTrades = 50
	}
	if cfg.Quarantine.MaxDrawdownPct <= 0 {
		cfg.Quarantine.MaxDrawdownPct = 0.20
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "botfleet.db"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
