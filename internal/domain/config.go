package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backing services
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring pipeline
	Windows     WindowConfig      `json:"windows"`
	Structuring StructuringConfig `json:"structuring"`
	Scoring     ScoringConfig     `json:"scoring"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Geo         GeoConfig         `json:"geo"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// WindowConfig holds the rolling-window horizons in days.
type WindowConfig struct {
	ShortDays int `json:"shortDays"`
	LongDays  int `json:"longDays"`
}

// Short returns the short horizon as a duration.
func (w WindowConfig) Short() time.Duration {
	return time.Duration(w.ShortDays) * 24 * time.Hour
}

// Long returns the long horizon as a duration.
func (w WindowConfig) Long() time.Duration {
	return time.Duration(w.LongDays) * 24 * time.Hour
}

// StructuringConfig holds reporting-threshold detection settings.
type StructuringConfig struct {
	// Thresholds are the reporting amounts structurers stay under.
	Thresholds []float64 `json:"thresholds"`

	// BandFloor and BandCeil bound the suspicious fraction of a
	// threshold, e.g. [0.80*t, 0.99*t].
	BandFloor float64 `json:"bandFloor"`
	BandCeil  float64 `json:"bandCeil"`

	// SaturationCount is the near-threshold hit count at which the
	// structuring score reaches 1.
	SaturationCount int `json:"saturationCount"`
}

// ScoringConfig holds ensemble and combiner settings.
type ScoringConfig struct {
	// Ensemble combination weights; must sum to 1.
	PrimaryWeight   float64 `json:"primaryWeight"`
	SecondaryWeight float64 `json:"secondaryWeight"`

	// RuleInfluence scales the rule score before combination.
	RuleInfluence float64 `json:"ruleInfluence"`

	// AttributionThreshold drops contributions below this magnitude.
	AttributionThreshold float64 `json:"attributionThreshold"`

	// FallbackConfidencePenalty multiplies confidence when only one
	// model component could score.
	FallbackConfidencePenalty float64 `json:"fallbackConfidencePenalty"`

	// Bands are the category boundaries.
	Bands Bands `json:"bands"`
}

// PipelineConfig holds coordinator settings.
type PipelineConfig struct {
	// Lanes is the number of serialized processing lanes.
	Lanes int `json:"lanes"`

	// QueueSize is the per-lane buffer.
	QueueSize int `json:"queueSize"`
}

// GeoConfig holds country risk settings.
type GeoConfig struct {
	// TablePath optionally points at a YAML risk table that is watched
	// and hot-reloaded. Empty means built-in tables only.
	TablePath string `json:"tablePath,omitempty"`

	// DefaultRisk applies to country codes absent from the table.
	DefaultRisk float64 `json:"defaultRisk"`

	// HighRiskThreshold marks a country high risk at or above it.
	HighRiskThreshold float64 `json:"highRiskThreshold"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Windows: WindowConfig{
			ShortDays: 7,
			LongDays:  30,
		},
		Structuring: StructuringConfig{
			Thresholds:      []float64{10000, 5000, 3000, 1000},
			BandFloor:       0.80,
			BandCeil:        0.99,
			SaturationCount: 3,
		},
		Scoring: ScoringConfig{
			PrimaryWeight:             0.6,
			SecondaryWeight:           0.4,
			RuleInfluence:             1.0,
			AttributionThreshold:      0.01,
			FallbackConfidencePenalty: 0.5,
			Bands:                     DefaultBands(),
		},
		Pipeline: PipelineConfig{
			Lanes:     16,
			QueueSize: 256,
		},
		Geo: GeoConfig{
			DefaultRisk:       0.5,
			HighRiskThreshold: 0.6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
