package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the optimization service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Optimization OptimizationConfig `mapstructure:"optimization"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type              string              `mapstructure:"type"` // openai, anthropic, static
	APIKey            string              `mapstructure:"api_key"`
	BaseURL           string              `mapstructure:"base_url"`
	Models            map[string]LLMModel `mapstructure:"models"`
	MaxRetries        int                 `mapstructure:"max_retries"`
	Timeout           time.Duration       `mapstructure:"timeout"`
	RequestsPerMinute int                 `mapstructure:"requests_per_minute"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
	Encoding        string  `mapstructure:"encoding"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Rewrite  string `mapstructure:"rewrite"`  // Use for prompt rewriting
	Evaluate string `mapstructure:"evaluate"` // Use for candidate evaluation
	Fallback string `mapstructure:"fallback"` // Fallback model
}

// OptimizationConfig contains the control-loop thresholds. Every knob alters
// trigger sensitivity or convergence thresholds, not the algorithm shape.
type OptimizationConfig struct {
	CheckIntervalMinutes     int     `mapstructure:"check_interval_minutes"`
	MinFeedbackCount         int     `mapstructure:"min_feedback_count"`
	MinNegativeFeedbackRatio float64 `mapstructure:"min_negative_feedback_ratio"`
	FeedbackWindowHours      int     `mapstructure:"feedback_window_hours"`
	MaxIterationsSoftLimit   int     `mapstructure:"max_iterations_soft_limit"`
	MaxIterationsHardLimit   int     `mapstructure:"max_iterations_hard_limit"`
	MinIterations            int     `mapstructure:"min_iterations"`
	MinFeedback              int     `mapstructure:"min_feedback"`
	MinImprovement           float64 `mapstructure:"min_improvement"`
	MaxEvaluationCases       int     `mapstructure:"max_evaluation_cases"`
	RunTimeoutMinutes        int     `mapstructure:"run_timeout_minutes"`
}

func (o OptimizationConfig) Validate() error {
	if o.MaxIterationsHardLimit <= 0 {
		return fmt.Errorf("optimization.max_iterations_hard_limit must be > 0")
	}
	if o.MaxIterationsSoftLimit > o.MaxIterationsHardLimit {
		return fmt.Errorf("optimization.max_iterations_soft_limit cannot exceed the hard limit")
	}
	if o.MinIterations < 0 {
		return fmt.Errorf("optimization.min_iterations cannot be negative")
	}
	if o.MinNegativeFeedbackRatio < 0 || o.MinNegativeFeedbackRatio > 1 {
		return fmt.Errorf("optimization.min_negative_feedback_ratio must be within [0,1]")
	}
	if o.RunTimeoutMinutes <= 0 {
		return fmt.Errorf("optimization.run_timeout_minutes must be > 0")
	}
	return nil
}

// StorageConfig contains database configurations
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if p.URL != "" {
		return nil
	}
	if p.Host == "" || p.DBName == "" {
		return fmt.Errorf("storage.postgres requires url or host/dbname")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis settings used for scheduler run locks
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Pass string `mapstructure:"pass"`
	DB   int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	LogFile      string `mapstructure:"log_file"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":10002")
	viper.SetDefault("optimization.check_interval_minutes", 60)
	viper.SetDefault("optimization.min_feedback_count", 10)
	viper.SetDefault("optimization.min_negative_feedback_ratio", 0.3)
	viper.SetDefault("optimization.feedback_window_hours", 24)
	viper.SetDefault("optimization.max_iterations_soft_limit", 10)
	viper.SetDefault("optimization.max_iterations_hard_limit", 20)
	viper.SetDefault("optimization.min_iterations", 3)
	viper.SetDefault("optimization.min_feedback", 50)
	viper.SetDefault("optimization.min_improvement", 0.02)
	viper.SetDefault("optimization.max_evaluation_cases", 50)
	viper.SetDefault("optimization.run_timeout_minutes", 30)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config") // path to look for the config file in
		viper.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("LOOPLEARNER")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (LOOPLEARNER_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Optimization.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
