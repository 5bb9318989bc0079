// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DISCOVERY_SERVER_PORT.
const EnvPrefix = "DISCOVERY"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Keywords  KeywordsConfig  `mapstructure:"keywords"`
	Search    SearchConfig    `mapstructure:"search"`
	Detail    DetailConfig    `mapstructure:"detail"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Ranker    RankerConfig    `mapstructure:"ranker"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Media     MediaConfig     `mapstructure:"media"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Content   ContentConfig   `mapstructure:"content"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the colly fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector  string `mapstructure:"wait_selector"`
	SettleDelayMs int    `mapstructure:"settle_delay_ms"`
	ScrollSteps   int    `mapstructure:"scroll_steps"`
	ExecPath      string `mapstructure:"exec_path"`
}

// RateLimitConfig throttles outbound fetches per host.
type RateLimitConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DefaultRPS   float64       `mapstructure:"default_rps"`
	DefaultBurst int           `mapstructure:"default_burst"`
	Domains      []DomainLimit `mapstructure:"domains"`
}

// DomainLimit overrides the default rate for one host. Hosts are listed
// rather than keyed because Viper splits map keys on dots.
type DomainLimit struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// DomainRPS flattens Domains into a host to rate map.
func (c RateLimitConfig) DomainRPS() map[string]float64 {
	out := make(map[string]float64, len(c.Domains))
	for _, d := range c.Domains {
		if d.Host != "" {
			out[d.Host] = d.RPS
		}
	}
	return out
}

// KeywordsConfig configures the trending keyword source.
type KeywordsConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	DefaultCategory string `mapstructure:"default_category"`
	Count           int    `mapstructure:"count"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// SearchConfig configures product search.
type SearchConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	MaxResults  int    `mapstructure:"max_results"`
	UseHeadless bool   `mapstructure:"use_headless"`
}

// DetailConfig configures the product page crawler.
type DetailConfig struct {
	UseHeadless bool `mapstructure:"use_headless"`
}

// MatcherConfig configures keyword matching.
type MatcherConfig struct {
	MecabPath       string  `mapstructure:"mecab_path"`
	MecabDicDir     string  `mapstructure:"mecab_dic_dir"`
	MorphThreshold  float64 `mapstructure:"morph_threshold"`
	SimpleThreshold float64 `mapstructure:"simple_threshold"`
	// ParseTimeoutMs bounds one analyzer call. A timed out analyzer is killed.
	ParseTimeoutMs int `mapstructure:"parse_timeout_ms"`
}

// RankerConfig configures similarity ranking.
type RankerConfig struct {
	FallbackFloor    float64 `mapstructure:"fallback_floor"`
	MatchWeight      float64 `mapstructure:"match_weight"`
	SimilarityWeight float64 `mapstructure:"similarity_weight"`
	TopN             int     `mapstructure:"top_n"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Backend               string `mapstructure:"backend"`
	LibraryPath           string `mapstructure:"library_path"`
	ModelPath             string `mapstructure:"model_path"`
	TokenizerPath         string `mapstructure:"tokenizer_path"`
	FallbackModelPath     string `mapstructure:"fallback_model_path"`
	FallbackTokenizerPath string `mapstructure:"fallback_tokenizer_path"`
	MaxSeqLen             int    `mapstructure:"max_seq_len"`
	Endpoint              string `mapstructure:"endpoint"`
	Model                 string `mapstructure:"model"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
}

// MediaConfig configures image uploads.
type MediaConfig struct {
	BaseFolder  string `mapstructure:"base_folder"`
	Concurrency int    `mapstructure:"concurrency"`
	MaxImages   int    `mapstructure:"max_images"`
}

// StorageConfig selects the blob backend for product images.
type StorageConfig struct {
	Backend     string    `mapstructure:"backend"`
	CheckBucket bool      `mapstructure:"check_bucket"`
	GCS         GCSConfig `mapstructure:"gcs"`
	S3          S3Config  `mapstructure:"s3"`
	LocalDir    string    `mapstructure:"local_dir"`
}

// GCSConfig configures the GCS backend.
type GCSConfig struct {
	Bucket        string `mapstructure:"bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	CacheControl  string `mapstructure:"cache_control"`
}

// S3Config configures the S3/MinIO backend.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	PathStyle       bool   `mapstructure:"path_style"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

// DatabaseConfig controls access to the execution log database.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	AuditTable             string `mapstructure:"audit_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for handoff notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AuditConfig configures the execution log hub.
type AuditConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	BufferSize      int  `mapstructure:"buffer_size"`
	MaxBatchRecords int  `mapstructure:"max_batch_records"`
	MaxBatchWaitMs  int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSec  int  `mapstructure:"sink_timeout_seconds"`
	LogSink         bool `mapstructure:"log_sink"`
	PrometheusSink  bool `mapstructure:"prometheus_sink"`
}

// ContentConfig configures blog generation.
type ContentConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// RunsConfig sizes the async run pool and the in-memory run store.
type RunsConfig struct {
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`
	MaxStored     int `mapstructure:"max_stored"`
}

// TelemetryConfig configures tracing exporters.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	GCPProjectID string  `mapstructure:"gcp_project_id"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Cloud Run injects PORT.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 300)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("headless.scroll_steps", 3)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("keywords.endpoint", "https://datalab.naver.com/shoppingInsight/getCategoryKeywordRank.naver")
	v.SetDefault("keywords.default_category", "50000000")
	v.SetDefault("keywords.count", 20)
	v.SetDefault("keywords.timeout_seconds", 10)
	v.SetDefault("search.base_url", "https://ssadagu.kr")
	v.SetDefault("search.max_results", 40)
	v.SetDefault("search.use_headless", false)
	v.SetDefault("detail.use_headless", false)
	v.SetDefault("matcher.mecab_path", "")
	v.SetDefault("matcher.mecab_dic_dir", "")
	v.SetDefault("matcher.parse_timeout_ms", 2000)
	v.SetDefault("matcher.morph_threshold", 0.4)
	v.SetDefault("matcher.simple_threshold", 0.3)
	v.SetDefault("ranker.fallback_floor", 0.3)
	v.SetDefault("ranker.match_weight", 0.4)
	v.SetDefault("ranker.similarity_weight", 0.6)
	v.SetDefault("ranker.top_n", 10)
	v.SetDefault("embedding.backend", "onnx")
	v.SetDefault("embedding.library_path", "")
	v.SetDefault("embedding.model_path", "")
	v.SetDefault("embedding.tokenizer_path", "")
	v.SetDefault("embedding.fallback_model_path", "")
	v.SetDefault("embedding.fallback_tokenizer_path", "")
	v.SetDefault("embedding.max_seq_len", 128)
	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("media.base_folder", "product")
	v.SetDefault("media.concurrency", 4)
	v.SetDefault("media.max_images", 0)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.check_bucket", false)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.public_base_url", "")
	v.SetDefault("storage.gcs.cache_control", "public, max-age=86400")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "ap-northeast-2")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("storage.s3.public_base_url", "")
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.audit_table", "execution_log")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.ensure_schema", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.max_batch_records", 100)
	v.SetDefault("audit.max_batch_wait_ms", 500)
	v.SetDefault("audit.sink_timeout_seconds", 10)
	v.SetDefault("audit.log_sink", true)
	v.SetDefault("audit.prometheus_sink", true)
	v.SetDefault("content.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("content.api_key", "")
	v.SetDefault("content.model", "gpt-4o-mini")
	v.SetDefault("content.temperature", 0.7)
	v.SetDefault("content.max_tokens", 2000)
	v.SetDefault("content.timeout_seconds", 60)
	v.SetDefault("runs.workers", 2)
	v.SetDefault("runs.queue_capacity", 64)
	v.SetDefault("runs.max_stored", 1000)
	v.SetDefault("telemetry.service_name", "product-discovery")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.gcp_project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if (c.Search.UseHeadless || c.Detail.UseHeadless) && !c.Headless.Enabled {
		return fmt.Errorf("headless.enabled must be true when search or detail use headless")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Matcher.MorphThreshold < 0 || c.Matcher.MorphThreshold > 1 ||
		c.Matcher.SimpleThreshold < 0 || c.Matcher.SimpleThreshold > 1 {
		return fmt.Errorf("matcher thresholds must be within [0, 1]")
	}
	if c.Matcher.ParseTimeoutMs < 0 {
		return fmt.Errorf("matcher.parse_timeout_ms must be >= 0")
	}
	if c.Ranker.FallbackFloor < 0 || c.Ranker.FallbackFloor > 1 {
		return fmt.Errorf("ranker.fallback_floor must be within [0, 1]")
	}
	if c.Ranker.MatchWeight < 0 || c.Ranker.SimilarityWeight < 0 ||
		c.Ranker.MatchWeight+c.Ranker.SimilarityWeight <= 0 {
		return fmt.Errorf("ranker weights must be >= 0 with a positive sum")
	}
	// Model paths are checked when the embedder loads.
	switch c.Embedding.Backend {
	case "onnx":
	case "http":
		if c.Embedding.Endpoint == "" {
			return fmt.Errorf("embedding.endpoint is required for the http backend")
		}
	default:
		return fmt.Errorf("embedding.backend must be onnx or http, got %q", c.Embedding.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs, s3, got %q", c.Storage.Backend)
	}
	if c.Runs.Workers <= 0 {
		return fmt.Errorf("runs.workers must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Seconds converts a seconds setting into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds setting into a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
