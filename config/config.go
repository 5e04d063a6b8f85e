package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rustyeddy/papertrader/market"
	"gopkg.in/yaml.v3"
)

// Config is the top-level papertrader configuration.
type Config struct {
	Engine    EngineConfig     `json:"engine" yaml:"engine"`
	Risk      RiskConfig       `json:"risk" yaml:"risk"`
	Exchanges []ExchangeConfig `json:"exchanges" yaml:"exchanges"`
	Reconnect ReconnectConfig  `json:"reconnect" yaml:"reconnect"`
	Feed      FeedConfig       `json:"feed" yaml:"feed"`
	Signals   SignalsConfig    `json:"signals" yaml:"signals"`
	Journal   JournalConfig    `json:"journal" yaml:"journal"`
	Log       LogConfig        `json:"log" yaml:"log"`
}

// EngineConfig holds account and execution settings.
type EngineConfig struct {
	InitialCapital float64        `json:"initial_capital" yaml:"initial_capital"`
	CommissionRate float64        `json:"commission_rate" yaml:"commission_rate"`
	Slippage       SlippageConfig `json:"slippage" yaml:"slippage"`
	QtyPlaces      int32          `json:"qty_places" yaml:"qty_places"`
	EquityInterval Duration       `json:"equity_interval" yaml:"equity_interval"`
}

type SlippageConfig struct {
	Model string  `json:"model" yaml:"model"` // none, fixed-percentage, size-dependent
	Pct   float64 `json:"pct" yaml:"pct"`
}

// RiskConfig mirrors risk.Limits; all values are fractions, 0.05 = 5%.
type RiskConfig struct {
	MaxPositionPct  float64 `json:"max_position_pct" yaml:"max_position_pct"`
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	StopLossPct     float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	MaxHeatPct      float64 `json:"max_heat_pct" yaml:"max_heat_pct"`
	MinConfidence   float64 `json:"min_confidence" yaml:"min_confidence"`
}

// ExchangeConfig is one websocket venue. Symbols are plain tickers; the
// exchange name qualifies them.
type ExchangeConfig struct {
	Name    string   `json:"name" yaml:"name"`
	URL     string   `json:"url" yaml:"url"`
	Symbols []string `json:"symbols" yaml:"symbols"`
	Buffer  int      `json:"buffer,omitempty" yaml:"buffer,omitempty"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	Heartbeat   Duration `json:"heartbeat" yaml:"heartbeat"`
}

type FeedConfig struct {
	DedupSize    int      `json:"dedup_size" yaml:"dedup_size"`
	MaxLatency   Duration `json:"max_latency" yaml:"max_latency"`
	EngineBuffer int      `json:"engine_buffer" yaml:"engine_buffer"`
}

type SignalsConfig struct {
	QueueDepth int         `json:"queue_depth" yaml:"queue_depth"`
	Kafka      KafkaConfig `json:"kafka" yaml:"kafka"`
}

// KafkaConfig enables the Kafka signal source when Brokers is non-empty.
type KafkaConfig struct {
	Brokers  []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	Topic    string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	Group    string   `json:"group,omitempty" yaml:"group,omitempty"`
	ClientID string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// JournalConfig selects the audit sink.
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // none, csv, sqlite
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Duration reads and writes as a Go duration string ("250ms", "30s") in
// both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file and validates it.
// Fields missing from the file keep their Default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", errors.Join(err, jsonErr))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration, choosing YAML for .yaml/.yml and
// JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected fields from the environment.
func (c *Config) ApplyEnv() {
	if v := getEnv("PAPERTRADER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getEnv("PAPERTRADER_KAFKA_BROKERS"); v != "" {
		c.Signals.Kafka.Brokers = splitList(v)
	}
	if v := getEnv("PAPERTRADER_JOURNAL_DB"); v != "" {
		c.Journal.Type = "sqlite"
		c.Journal.DBPath = v
	}
}

// Validate checks the configuration for errors. Every problem found is
// reported, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Engine.InitialCapital <= 0 {
		add("engine.initial_capital must be positive")
	}
	if c.Engine.CommissionRate < 0 || c.Engine.CommissionRate >= 1 {
		add("engine.commission_rate must be between 0 and 1")
	}
	switch c.Engine.Slippage.Model {
	case "", "none", "fixed-percentage", "size-dependent":
	default:
		add("engine.slippage.model must be none, fixed-percentage or size-dependent")
	}
	if c.Engine.Slippage.Pct < 0 || c.Engine.Slippage.Pct >= 1 {
		add("engine.slippage.pct must be between 0 and 1")
	}
	if c.Engine.QtyPlaces < 0 {
		add("engine.qty_places must not be negative")
	}

	fractions := []struct {
		name  string
		value float64
	}{
		{"risk.max_position_pct", c.Risk.MaxPositionPct},
		{"risk.max_daily_loss_pct", c.Risk.MaxDailyLossPct},
		{"risk.stop_loss_pct", c.Risk.StopLossPct},
		{"risk.take_profit_pct", c.Risk.TakeProfitPct},
		{"risk.max_heat_pct", c.Risk.MaxHeatPct},
	}
	for _, f := range fractions {
		if f.value <= 0 || f.value > 1 {
			add("%s must be between 0 and 1", f.name)
		}
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		add("risk.min_confidence must be between 0 and 1")
	}

	seen := make(map[string]bool)
	for i, ex := range c.Exchanges {
		name := strings.ToLower(strings.TrimSpace(ex.Name))
		switch {
		case name == "":
			add("exchanges[%d].name is required", i)
		case !knownExchange(name):
			add("exchanges[%d].name %q is not a known exchange", i, ex.Name)
		case seen[name]:
			add("exchanges[%d].name %q is duplicated", i, ex.Name)
		}
		seen[name] = true
		if ex.URL == "" {
			add("exchanges[%d].url is required", i)
		}
		if len(ex.Symbols) == 0 {
			add("exchanges[%d].symbols must not be empty", i)
		}
	}

	if c.Reconnect.BaseDelay <= 0 {
		add("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		add("reconnect.max_delay must not be below reconnect.base_delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		add("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.Heartbeat <= 0 {
		add("reconnect.heartbeat must be positive")
	}

	if c.Feed.DedupSize <= 0 {
		add("feed.dedup_size must be positive")
	}
	if c.Signals.QueueDepth <= 0 {
		add("signals.queue_depth must be positive")
	}
	if c.Signals.Kafka.Enabled() && c.Signals.Kafka.Topic == "" {
		add("signals.kafka.topic is required when brokers are set")
	}

	switch c.Journal.Type {
	case "", "none":
	case "csv":
		if c.Journal.TradesFile == "" || c.Journal.EquityFile == "" {
			add("journal.trades_file and journal.equity_file are required for csv journal")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			add("journal.db_path is required for sqlite journal")
		}
	default:
		add("journal.type must be none, csv or sqlite")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error")
	}

	return errors.Join(errs...)
}

// Default returns a configuration with sensible defaults and no exchanges.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			InitialCapital: 100000,
			CommissionRate: 0.001,
			Slippage: SlippageConfig{
				Model: "fixed-percentage",
				Pct:   0.0001,
			},
			QtyPlaces:      8,
			EquityInterval: Duration(time.Minute),
		},
		Risk: RiskConfig{
			MaxPositionPct:  0.10,
			MaxDailyLossPct: 0.05,
			StopLossPct:     0.02,
			TakeProfitPct:   0.05,
			MaxHeatPct:      0.06,
			MinConfidence:   0.5,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration(250 * time.Millisecond),
			MaxDelay:    Duration(5 * time.Second),
			MaxAttempts: 10,
			Heartbeat:   Duration(30 * time.Second),
		},
		Feed: FeedConfig{
			DedupSize:    10000,
			MaxLatency:   Duration(100 * time.Millisecond),
			EngineBuffer: 4096,
		},
		Signals: SignalsConfig{
			QueueDepth: 1024,
			Kafka: KafkaConfig{
				Group: "papertrader",
			},
		},
		Journal: JournalConfig{
			Type: "none",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func knownExchange(name string) bool {
	_, err := market.ParseExchange(name)
	return err == nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
