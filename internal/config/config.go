package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	LLM      LLMConfig
	Embedder EmbedderConfig
	Compile  CompileConfig
	Eval     EvalConfig
	Dispatch DispatchConfig
	SMTP     SMTPConfig
	FX       FXConfig
	Travel   TravelConfig
}

type ServerConfig struct {
	Port        string
	Domain      string
	JWTSecret   string
	IngestToken string
}

type DatabaseConfig struct {
	DSN string
}

type LLMConfig struct {
	Provider string // "gemini"
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	// Token-bucket rate limit shared by the whole process.
	RatePerSecond float64
	Burst         int
}

type EmbedderConfig struct {
	Provider string // "gemini" or "local"
	Model    string
	BaseURL  string // for the local Ollama-compatible backend
	Dim      int
	Timeout  time.Duration
}

type CompileConfig struct {
	DupSimilarityThreshold      float64 // τ_dup
	CategorySimilarityThreshold float64 // τ_cat
	Deadline                    time.Duration
	RetryBudget                 int
	RetryBaseDelay              time.Duration
}

type EvalConfig struct {
	SQLTimeout             time.Duration
	Workers                int
	QueueMax               int
	MaxConsecutiveFailures int
	DrainTimeout           time.Duration
}

type DispatchConfig struct {
	Retries     int
	BackoffBase time.Duration
	Workers     int
	Timeout     time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	ReplyTo  string
	UseTLS   bool
}

type FXConfig struct {
	TablePath string
}

type TravelConfig struct {
	MaxKMH float64
}

// Load reads config.yaml if present, then lets CARDWATCH_* environment
// variables override individual keys. All defaults match the spec.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CARDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Domain:      v.GetString("server.domain"),
			JWTSecret:   v.GetString("server.jwt_secret"),
			IngestToken: v.GetString("server.ingest_token"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		LLM: LLMConfig{
			Provider:      v.GetString("llm.provider"),
			Model:         v.GetString("llm.model"),
			BaseURL:       v.GetString("llm.base_url"),
			APIKey:        v.GetString("llm.api_key"),
			Timeout:       v.GetDuration("llm.timeout"),
			RatePerSecond: v.GetFloat64("llm.rate_per_second"),
			Burst:         v.GetInt("llm.burst"),
		},
		Embedder: EmbedderConfig{
			Provider: v.GetString("embedder.provider"),
			Model:    v.GetString("embedder.model"),
			BaseURL:  v.GetString("embedder.base_url"),
			Dim:      v.GetInt("embedder.dim"),
			Timeout:  v.GetDuration("embedder.timeout"),
		},
		Compile: CompileConfig{
			DupSimilarityThreshold:      v.GetFloat64("dup_similarity_threshold"),
			CategorySimilarityThreshold: v.GetFloat64("category_similarity_threshold"),
			Deadline:                    v.GetDuration("compile.deadline"),
			RetryBudget:                 v.GetInt("compile.retry_budget"),
			RetryBaseDelay:              v.GetDuration("compile.retry_base_delay"),
		},
		Eval: EvalConfig{
			SQLTimeout:             time.Duration(v.GetInt("eval.timeout_ms")) * time.Millisecond,
			Workers:                v.GetInt("eval.workers"),
			QueueMax:               v.GetInt("eval.queue_max"),
			MaxConsecutiveFailures: v.GetInt("eval.max_consecutive_failures"),
			DrainTimeout:           v.GetDuration("eval.drain_timeout"),
		},
		Dispatch: DispatchConfig{
			Retries:     v.GetInt("dispatch.retries"),
			BackoffBase: time.Duration(v.GetInt("dispatch.backoff_base_ms")) * time.Millisecond,
			Workers:     v.GetInt("dispatch.workers"),
			Timeout:     v.GetDuration("dispatch.timeout"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
			From:     v.GetString("smtp.from"),
			ReplyTo:  v.GetString("smtp.reply_to"),
			UseTLS:   v.GetBool("smtp.use_tls"),
		},
		FX: FXConfig{
			TablePath: v.GetString("fx.table_path"),
		},
		Travel: TravelConfig{
			MaxKMH: v.GetFloat64("impossible_travel.max_kmh"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("database.dsn", "")

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.timeout", "20s")
	v.SetDefault("llm.rate_per_second", 2.0)
	v.SetDefault("llm.burst", 4)

	v.SetDefault("embedder.provider", "gemini")
	v.SetDefault("embedder.model", "text-embedding-004")
	v.SetDefault("embedder.base_url", "http://localhost:11434/api/embed")
	v.SetDefault("embedder.dim", 768)
	v.SetDefault("embedder.timeout", "5s")

	v.SetDefault("dup_similarity_threshold", 0.92)
	v.SetDefault("category_similarity_threshold", 0.80)
	v.SetDefault("compile.deadline", "20s")
	v.SetDefault("compile.retry_budget", 3)
	v.SetDefault("compile.retry_base_delay", "250ms")

	v.SetDefault("eval.timeout_ms", 2000)
	v.SetDefault("eval.workers", 0) // 0 = cores * 4
	v.SetDefault("eval.queue_max", 1024)
	v.SetDefault("eval.max_consecutive_failures", 5)
	v.SetDefault("eval.drain_timeout", "30s")

	v.SetDefault("dispatch.retries", 5)
	v.SetDefault("dispatch.backoff_base_ms", 200)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.timeout", "10s")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.use_tls", true)

	v.SetDefault("fx.table_path", "")
	v.SetDefault("impossible_travel.max_kmh", 800.0)
}
