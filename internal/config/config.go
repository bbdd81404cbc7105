package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderNone disables the secondary provider.
const ProviderNone = "none"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Owner scopes.
const (
	ScopeClient = "client"
	ScopeUser   = "user"
)

type Config struct {
	AppPort  int    `mapstructure:"APP_PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	DatabasePath  string `mapstructure:"DATABASE_PATH"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	OwnerScope string `mapstructure:"OWNER_SCOPE"`
	JWTSecret  string `mapstructure:"JWT_SECRET"`

	MaxTurns          int `mapstructure:"MAX_TURNS"`
	HistoryFetchLimit int `mapstructure:"HISTORY_FETCH_LIMIT"`
	PromptMaxChars    int `mapstructure:"PROMPT_MAX_CHARS"`
	IndexCap          int `mapstructure:"INDEX_CAP"`

	PrimaryProvider     string        `mapstructure:"PRIMARY_PROVIDER"`
	SecondaryProvider   string        `mapstructure:"SECONDARY_PROVIDER"`
	ProviderTimeout     time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	ProviderMaxAttempts int           `mapstructure:"PROVIDER_MAX_ATTEMPTS"`
	ProviderRetryDelay  time.Duration `mapstructure:"PROVIDER_RETRY_DELAY"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	OpenAIAPIKey  string `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel   string `mapstructure:"MODEL_OPENAI"`
	CohereAPIKey  string `mapstructure:"COHERE_API_KEY"`
	CohereBaseURL string `mapstructure:"COHERE_BASE_URL"`
	CohereModel   string `mapstructure:"MODEL_COHERE"`
	OllamaURL     string `mapstructure:"OLLAMA_URL"`
	OllamaModel   string `mapstructure:"MODEL_OLLAMA"`

	MaxTokens   int     `mapstructure:"MAX_TOKENS"`
	Temperature float64 `mapstructure:"TEMPERATURE"`
	PromptsDir  string  `mapstructure:"PROMPTS_DIR"`

	IdempotencyWait         time.Duration `mapstructure:"IDEMPOTENCY_WAIT"`
	IdempotencyPollInterval time.Duration `mapstructure:"IDEMPOTENCY_POLL_INTERVAL"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 3000)
	v.SetDefault("LOG_LEVEL", "INFO")

	v.SetDefault("STORE_BACKEND", BackendSQLite)
	v.SetDefault("DATABASE_PATH", "/data/alma.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("OWNER_SCOPE", ScopeClient)
	v.SetDefault("JWT_SECRET", "")

	v.SetDefault("MAX_TURNS", 15)
	v.SetDefault("HISTORY_FETCH_LIMIT", 40)
	v.SetDefault("PROMPT_MAX_CHARS", 16000)
	v.SetDefault("INDEX_CAP", 20)

	v.SetDefault("PRIMARY_PROVIDER", "openai")
	v.SetDefault("SECONDARY_PROVIDER", "cohere")
	v.SetDefault("PROVIDER_TIMEOUT", 25*time.Second)
	v.SetDefault("PROVIDER_MAX_ATTEMPTS", 3)
	v.SetDefault("PROVIDER_RETRY_DELAY", 400*time.Millisecond)
	v.SetDefault("REQUEST_TIMEOUT", 60*time.Second)

	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("MODEL_OPENAI", "gpt-4o-mini")
	v.SetDefault("COHERE_API_KEY", "")
	v.SetDefault("COHERE_BASE_URL", "")
	v.SetDefault("MODEL_COHERE", "command-r-plus")
	v.SetDefault("OLLAMA_URL", "http://ollama:11434")
	v.SetDefault("MODEL_OLLAMA", "llama3.1")

	v.SetDefault("MAX_TOKENS", 900)
	v.SetDefault("TEMPERATURE", 0.8)
	v.SetDefault("PROMPTS_DIR", "./prompts")

	v.SetDefault("IDEMPOTENCY_WAIT", 8*time.Second)
	v.SetDefault("IDEMPOTENCY_POLL_INTERVAL", 400*time.Millisecond)
}

// LoadConfig reads the configuration from defaults, an optional .env file
// and the environment, in increasing precedence, using the global viper
// instance.
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads the configuration into v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.OwnerScope = strings.ToLower(strings.TrimSpace(cfg.OwnerScope))
	cfg.PrimaryProvider = strings.ToLower(strings.TrimSpace(cfg.PrimaryProvider))
	cfg.SecondaryProvider = strings.ToLower(strings.TrimSpace(cfg.SecondaryProvider))
	if cfg.SecondaryProvider == ProviderNone {
		cfg.SecondaryProvider = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want memory, redis, sqlite or postgres", c.StoreBackend)
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres backend")
	}
	if c.StoreBackend == BackendSQLite && c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required for the sqlite backend")
	}

	switch c.OwnerScope {
	case ScopeClient:
	case ScopeUser:
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when OWNER_SCOPE=user")
		}
	default:
		return fmt.Errorf("invalid OWNER_SCOPE %q: want client or user", c.OwnerScope)
	}

	if c.PrimaryProvider == "" {
		return fmt.Errorf("PRIMARY_PROVIDER is required")
	}
	if c.SecondaryProvider == c.PrimaryProvider {
		return fmt.Errorf("SECONDARY_PROVIDER must differ from PRIMARY_PROVIDER")
	}

	positive := map[string]int{
		"APP_PORT":              c.AppPort,
		"MAX_TURNS":             c.MaxTurns,
		"HISTORY_FETCH_LIMIT":   c.HistoryFetchLimit,
		"PROMPT_MAX_CHARS":      c.PromptMaxChars,
		"INDEX_CAP":             c.IndexCap,
		"PROVIDER_MAX_ATTEMPTS": c.ProviderMaxAttempts,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, value)
		}
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.IdempotencyWait <= 0 || c.IdempotencyPollInterval <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WAIT and IDEMPOTENCY_POLL_INTERVAL must be positive")
	}
	return nil
}
