package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/pricewatch/internal/aiextract"
	"github.com/sells-group/pricewatch/internal/cost"
	"github.com/sells-group/pricewatch/internal/dynamic"
	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/internal/siterules"
	"github.com/sells-group/pricewatch/internal/validate"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig         `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaConfig          `yaml:"jina" mapstructure:"jina"`
	Firecrawl  FirecrawlConfig     `yaml:"firecrawl" mapstructure:"firecrawl"`
	Pricing    cost.Rates          `yaml:"pricing" mapstructure:"pricing"`
	Extraction ExtractionConfig    `yaml:"extraction" mapstructure:"extraction"`
	Validation ValidationConfig    `yaml:"validation" mapstructure:"validation"`
	AI         aiextract.Config    `yaml:"ai" mapstructure:"ai"`
	Browser    dynamic.Config      `yaml:"browser" mapstructure:"browser"`
	Fetch      FetchConfig         `yaml:"fetch" mapstructure:"fetch"`
	Rules      RulesConfig         `yaml:"rules" mapstructure:"rules"`
	Resilience resilience.Settings `yaml:"resilience" mapstructure:"resilience"`
	Batch      BatchConfig         `yaml:"batch" mapstructure:"batch"`
	Schedule   ScheduleConfig      `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
	// AdjudicatorModel is used by the validator's change adjudication.
	AdjudicatorModel string `yaml:"adjudicator_model" mapstructure:"adjudicator_model"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds Firecrawl API settings (last-resort fetcher).
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractionConfig configures the tier loop.
type ExtractionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
}

// ValidationConfig extends the validator thresholds with adjudication and
// per-merchant bands.
type ValidationConfig struct {
	validate.Config `yaml:",inline" mapstructure:",squash"`
	LLMAdjudication bool            `yaml:"llm_adjudication" mapstructure:"llm_adjudication"`
	MerchantRanges  []MerchantRange `yaml:"merchant_ranges" mapstructure:"merchant_ranges"`
}

// MerchantRange overrides the global price band for one domain. Domains are
// listed rather than keyed because viper splits map keys on dots.
type MerchantRange struct {
	Domain string  `yaml:"domain" mapstructure:"domain"`
	Min    float64 `yaml:"min" mapstructure:"min"`
	Max    float64 `yaml:"max" mapstructure:"max"`
}

// MerchantRange returns the override band for domain, if any.
func (v ValidationConfig) MerchantRange(domain string) *siterules.PriceRange {
	domain = siterules.NormalizeDomain(domain)
	for _, r := range v.MerchantRanges {
		if siterules.NormalizeDomain(r.Domain) == domain {
			return &siterules.PriceRange{Min: r.Min, Max: r.Max}
		}
	}
	return nil
}

// FetchConfig configures the local HTTP fetcher.
type FetchConfig struct {
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	Retries      int    `yaml:"retries" mapstructure:"retries"`
}

// RulesConfig optionally replaces the embedded site-rule table.
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	Limit           int `yaml:"limit" mapstructure:"limit"`
	StaleAfterHours int `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
}

// ScheduleConfig configures the periodic re-check loop.
type ScheduleConfig struct {
	Spec string `yaml:"spec" mapstructure:"spec"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// RateLimit is requests per second per client IP.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MonitoringConfig configures health alerting.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD       float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	ReviewRateThreshold    float64 `yaml:"review_rate_threshold" mapstructure:"review_rate_threshold"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, a YAML file and the environment.
// An empty path looks for an optional config.yaml in the working
// directory; an explicit path must exist.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pricewatch.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("batch.max_concurrent", 4)
	v.SetDefault("batch.limit", 500)
	v.SetDefault("batch.stale_after_hours", 20)
	v.SetDefault("schedule.spec", "0 6 * * *")
	v.SetDefault("extraction.confidence_threshold", 0.6)

	vd := validate.DefaultConfig()
	v.SetDefault("validation.min_allowed_price", vd.MinAllowedPrice)
	v.SetDefault("validation.max_allowed_price", vd.MaxAllowedPrice)
	v.SetDefault("validation.confidence_threshold", vd.ConfidenceThreshold)
	v.SetDefault("validation.min_extraction_confidence", vd.MinExtractionConfidence)
	v.SetDefault("validation.sanity_threshold", vd.SanityThreshold)
	v.SetDefault("validation.llm_adjudication", false)

	ad := aiextract.DefaultConfig()
	for key, tc := range map[string]aiextract.TierConfig{
		"slice_fast":     ad.SliceFast,
		"slice_balanced": ad.SliceBalanced,
		"full_html":      ad.FullHTML,
	} {
		v.SetDefault("ai."+key+".model", tc.Model)
		v.SetDefault("ai."+key+".max_chars", tc.MaxChars)
		v.SetDefault("ai."+key+".max_tokens", tc.MaxTokens)
	}
	v.SetDefault("ai.self_adjudicate", ad.SelfAdjudicate)

	bd := dynamic.DefaultConfig()
	v.SetDefault("browser.enabled", bd.Enabled)
	v.SetDefault("browser.timeout_secs", bd.TimeoutSecs)
	v.SetDefault("browser.max_concurrent", bd.MaxConcurrent)
	v.SetDefault("browser.requests_per_second", bd.RequestsPerSecond)
	v.SetDefault("browser.failure_threshold", bd.FailureThreshold)
	v.SetDefault("browser.cooldown_secs", bd.CooldownSecs)

	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.retries", 2)

	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)

	// Secrets have empty defaults so AutomaticEnv binds them on Unmarshal.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("jina.key", "")
	v.SetDefault("firecrawl.key", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("rules.path", "")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("browser.bin", "")

	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("anthropic.adjudicator_model", "claude-haiku-4-5-20251001")

	rd := cost.DefaultRates()
	for m, r := range rd.Anthropic {
		key := "pricing.anthropic." + m
		v.SetDefault(key+".input", r.Input)
		v.SetDefault(key+".output", r.Output)
		v.SetDefault(key+".cache_write_mul", r.CacheWriteMul)
		v.SetDefault(key+".cache_read_mul", r.CacheReadMul)
	}
	v.SetDefault("pricing.jina.per_mtok", rd.Jina.PerMTok)
	v.SetDefault("pricing.firecrawl.plan_monthly", rd.Firecrawl.PlanMonthly)
	v.SetDefault("pricing.firecrawl.credits_included", rd.Firecrawl.CreditsIncluded)

	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 25.0)
	v.SetDefault("monitoring.review_backlog_threshold", 50)
	v.SetDefault("monitoring.review_rate_threshold", 0.30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
}

// Validate reports configuration missing or out of range for the given
// command mode ("extract", "batch", "serve", "schedule" or "import").
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "extract", "batch", "serve", "schedule", "import":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	if mode != "import" {
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Extraction.ConfidenceThreshold <= 0 || c.Extraction.ConfidenceThreshold > 1 {
			errs = append(errs, "extraction.confidence_threshold must be in (0, 1]")
		}
		if c.Validation.ConfidenceThreshold < 0 || c.Validation.ConfidenceThreshold > 1 {
			errs = append(errs, "validation.confidence_threshold must be in [0, 1]")
		}
		if c.Validation.MinAllowedPrice >= c.Validation.MaxAllowedPrice {
			errs = append(errs, "validation.min_allowed_price must be below validation.max_allowed_price")
		}
		if c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 50 {
			errs = append(errs, "batch.max_concurrent must be between 1 and 50")
		}
	}
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if mode == "schedule" && c.Schedule.Spec == "" {
		errs = append(errs, "schedule.spec is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid %s config: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
