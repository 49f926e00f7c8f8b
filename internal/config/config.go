package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// legacyEnv maps configuration keys to the bare environment variable names
// older deployments export (XAI_API_KEY, DATABASE_URL, ...).
var legacyEnv = map[string]string{
	"analysis.api_key":     "XAI_API_KEY",
	"analysis.base_url":    "XAI_BASE_URL",
	"storage.database_url": "DATABASE_URL",
	"cache.redis_url":      "REDIS_URL",
	"queue.redis_url":      "REDIS_URL",
	"logging.level":        "LOG_LEVEL",
	"server.host":          "API_HOST",
	"server.port":          "API_PORT",
}

// Load loads configuration from .env, file and environment variables
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := GetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/contract-sentinel/")
	viper.AddConfigPath("$HOME/.contract-sentinel/")

	viper.SetEnvPrefix("CONTRACT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := bindEnv("", reflect.TypeOf(*config)); err != nil {
		return nil, err
	}
	for key, legacy := range legacyEnv {
		prefixed := "CONTRACT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := viper.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if os.Getenv("DEBUG") == "true" && !viper.IsSet("logging.level") {
		config.Logging.Level = "debug"
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnv registers every leaf key so AutomaticEnv overrides reach Unmarshal
// even when no config file mentions the key.
func bindEnv(prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		if field.Type.Kind() == reflect.Struct {
			if err := bindEnv(key, field.Type); err != nil {
				return err
			}
			continue
		}
		if field.Type.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.Struct {
			continue
		}
		if err := viper.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if t := config.Privacy.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("invalid confidence threshold: %v (must be within [0,1])", t)
	}

	for _, p := range config.Privacy.CustomPatterns {
		if p.Name == "" || p.Pattern == "" {
			return fmt.Errorf("custom pattern requires name and pattern")
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("invalid custom pattern %s: %w", p.Name, err)
		}
	}

	if config.Analysis.MaxAttempts < 1 {
		return fmt.Errorf("invalid analysis max_attempts: %d (must be >= 1)", config.Analysis.MaxAttempts)
	}

	if config.Analysis.BaseBackoff < 0 || config.Analysis.MaxBackoff < config.Analysis.BaseBackoff {
		return fmt.Errorf("invalid analysis backoff: base %s, max %s", config.Analysis.BaseBackoff, config.Analysis.MaxBackoff)
	}

	switch config.Storage.RunStore {
	case "postgres", "bolt", "memory":
	default:
		return fmt.Errorf("invalid run store: %s (must be postgres, bolt, or memory)", config.Storage.RunStore)
	}

	if config.Queue.Enabled && config.Queue.Workers < 1 {
		return fmt.Errorf("invalid queue workers: %d", config.Queue.Workers)
	}

	return nil
}

// Watch starts watching the configuration file for changes.
// Invalid updates are reported through onError and otherwise ignored.
func Watch(callback func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			onError(fmt.Errorf("failed to unmarshal %s: %w", e.Name, err))
			return
		}

		if err := validateConfig(newConfig); err != nil {
			onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			return
		}

		callback(newConfig)
	})
	viper.WatchConfig()
}
