package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Models     ModelsConfig     `mapstructure:"models"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Context    ContextConfig    `mapstructure:"context"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig controls verification of the signed launch payload the
// messaging platform attaches to every mini-app request.
type AuthConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type ModelsConfig struct {
	Default        string          `mapstructure:"default"`
	Temperature    float64         `mapstructure:"temperature"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RPS            float64         `mapstructure:"rps"`
	Burst          int             `mapstructure:"burst"`
	Endpoints      []ModelEndpoint `mapstructure:"endpoints"`
}

type ModelEndpoint struct {
	Name        string      `mapstructure:"name"`
	DisplayName string      `mapstructure:"display_name"`
	BaseURL     string      `mapstructure:"base_url"`
	APIKey      string      `mapstructure:"api_key"`
	Models      []ModelInfo `mapstructure:"models"`
}

type ModelInfo struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Window            time.Duration `mapstructure:"window"`
	Store             string        `mapstructure:"store"`
}

type QuotaConfig struct {
	DailyBase   int `mapstructure:"daily_base"`
	MonthlyBase int `mapstructure:"monthly_base"`
	// RefundOnProviderFailure removes the user's persisted turn when
	// the model call fails, so the failed request is not billed
	// against the quota. Off by default: a request that reached the
	// model call counts.
	RefundOnProviderFailure bool `mapstructure:"refund_on_provider_failure"`
}

type ContextConfig struct {
	MaxHistoryTurns     int    `mapstructure:"max_history_turns"`
	MaxExamples         int    `mapstructure:"max_examples"`
	DefaultSystemPrompt string `mapstructure:"default_system_prompt"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// NotifyConfig configures operator alerts sent through a bot to an
// admin chat. Disabled when the token is empty.
type NotifyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BotToken  string `mapstructure:"bot_token"`
	AdminChat int64  `mapstructure:"admin_chat"`
}

// CatalogConfig seeds the assistant catalog at startup.
type CatalogConfig struct {
	Assistants []AssistantSeed `mapstructure:"assistants"`
	Examples   []ExampleSeed   `mapstructure:"examples"`
	Grants     []GrantSeed     `mapstructure:"grants"`
}

type AssistantSeed struct {
	Code         string `mapstructure:"code"`
	Title        string `mapstructure:"title"`
	Description  string `mapstructure:"description"`
	BaseModel    string `mapstructure:"base_model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Restricted   bool   `mapstructure:"restricted"`
}

type ExampleSeed struct {
	Assistant string `mapstructure:"assistant"`
	Question  string `mapstructure:"question"`
	Answer    string `mapstructure:"answer"`
}

type GrantSeed struct {
	Assistant  string `mapstructure:"assistant"`
	ExternalID string `mapstructure:"external_id"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	setDefaults()

	viper.SetEnvPrefix("")
	viper.BindEnv("auth.bot_token", "BOT_TOKEN")
	viper.BindEnv("notify.bot_token", "NOTIFY_BOT_TOKEN")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Redis address is assembled from split host/port env vars when
	// present, matching the deployment environment.
	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := viper.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	loadCustomEndpoints(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("auth.max_age", 7*24*time.Hour)
	viper.SetDefault("models.temperature", 0.7)
	viper.SetDefault("models.request_timeout", 40*time.Second)
	viper.SetDefault("models.rps", 10.0)
	viper.SetDefault("models.burst", 20)
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_minute", 120)
	viper.SetDefault("rate_limit.window", time.Minute)
	viper.SetDefault("rate_limit.store", "memory")
	viper.SetDefault("quota.daily_base", 30)
	viper.SetDefault("quota.monthly_base", 200)
	viper.SetDefault("quota.refund_on_provider_failure", false)
	viper.SetDefault("context.max_history_turns", 20)
	viper.SetDefault("context.max_examples", 5)
	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.default_expiration", 0)
	viper.SetDefault("storage.memory.cleanup_interval", 10*time.Minute)
	viper.SetDefault("cache.ttl", 5*time.Minute)
	viper.SetDefault("i18n.default_language", "ru")
	viper.SetDefault("i18n.languages", []string{"ru", "en"})
	viper.SetDefault("i18n.directory", "configs/i18n")
	viper.SetDefault("monitoring.metrics.path", "/metrics")
	viper.SetDefault("monitoring.metrics.port", 9090)
}

// loadCustomEndpoints appends model endpoints described entirely by
// environment variables: CUSTOM_ENDPOINTS=name1,name2 plus
// <NAME>_BASE_URL / <NAME>_API_KEY / <NAME>_MODELS per endpoint.
func loadCustomEndpoints(config *Config) {
	customEndpoints := os.Getenv("CUSTOM_ENDPOINTS")
	if customEndpoints == "" {
		return
	}

	for _, endpointName := range strings.Split(customEndpoints, ",") {
		endpointName = strings.TrimSpace(endpointName)
		if endpointName == "" {
			continue
		}

		envPrefix := strings.ToUpper(strings.ReplaceAll(endpointName, "-", "_"))
		baseURL := os.Getenv(envPrefix + "_BASE_URL")
		apiKey := os.Getenv(envPrefix + "_API_KEY")
		modelsStr := os.Getenv(envPrefix + "_MODELS")

		if baseURL == "" || apiKey == "" {
			continue
		}

		endpoint := ModelEndpoint{
			Name:        endpointName,
			DisplayName: endpointName,
			BaseURL:     baseURL,
			APIKey:      apiKey,
			Models:      []ModelInfo{},
		}

		for _, modelStr := range strings.Split(modelsStr, ",") {
			modelStr = strings.TrimSpace(modelStr)
			if modelStr == "" {
				continue
			}

			// "model-id:Display Name" or bare "model-id"
			parts := strings.SplitN(modelStr, ":", 2)
			modelID := parts[0]
			modelName := modelID
			if len(parts) == 2 {
				modelName = parts[1]
			}

			endpoint.Models = append(endpoint.Models, ModelInfo{
				ID:   modelID,
				Name: modelName,
			})
		}

		config.Models.Endpoints = append(config.Models.Endpoints, endpoint)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Auth.BotToken == "" {
		return fmt.Errorf("auth bot token is required")
	}
	if len(cfg.Models.Endpoints) == 0 {
		return fmt.Errorf("at least one model endpoint is required")
	}
	if cfg.Models.Default == "" {
		return fmt.Errorf("default model is required")
	}
	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	return nil
}
