package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const EnvPrefix = "TABMIND_"

type Config struct {
	Host    string
	Port    string
	DataDir string
	// Storage selects the settings backend: file, sqlite or keyring.
	Storage      string
	GatewayToken string

	LogLevel  string
	LogFormat string

	RateLimitRPS   float64
	RateLimitBurst int

	// ModelRefreshCron schedules model discovery. Empty disables it.
	ModelRefreshCron string
	ContextTTL       time.Duration
	DiscoveryTimeout time.Duration
	AutoDetectModels bool
}

// fileConfig mirrors Config in the optional TOML file. Unset keys keep their
// defaults.
type fileConfig struct {
	Host               *string  `toml:"host"`
	Port               *string  `toml:"port"`
	DataDir            *string  `toml:"data_dir"`
	Storage            *string  `toml:"storage"`
	GatewayToken       *string  `toml:"gateway_token"`
	LogLevel           *string  `toml:"log_level"`
	LogFormat          *string  `toml:"log_format"`
	RateLimitRPS       *float64 `toml:"rate_limit_rps"`
	RateLimitBurst     *int     `toml:"rate_limit_burst"`
	ModelRefreshCron   *string  `toml:"model_refresh_cron"`
	ContextTTLMS       *int     `toml:"context_ttl_ms"`
	DiscoveryTimeoutMS *int     `toml:"discovery_timeout_ms"`
	AutoDetectModels   *bool    `toml:"auto_detect_models"`
}

func Default() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             "8765",
		DataDir:          ".data",
		Storage:          "file",
		LogLevel:         "info",
		LogFormat:        "text",
		RateLimitBurst:   10,
		DiscoveryTimeout: 15 * time.Second,
		AutoDetectModels: true,
	}
}

// Load builds the config from defaults, then TABMIND_CONFIG_FILE, then
// TABMIND_* environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c Config) Validate() error {
	switch c.Storage {
	case "file", "sqlite", "keyring":
	default:
		return fmt.Errorf("invalid storage backend %q", c.Storage)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit rps must be >= 0")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be > 0")
	}
	if c.ContextTTL < 0 {
		return fmt.Errorf("context ttl must be >= 0")
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery timeout must be > 0")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	setString(&cfg.Host, fc.Host)
	setString(&cfg.Port, fc.Port)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.Storage, fc.Storage)
	setString(&cfg.GatewayToken, fc.GatewayToken)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.ModelRefreshCron, fc.ModelRefreshCron)
	if fc.RateLimitRPS != nil {
		cfg.RateLimitRPS = *fc.RateLimitRPS
	}
	if fc.RateLimitBurst != nil {
		cfg.RateLimitBurst = *fc.RateLimitBurst
	}
	if fc.ContextTTLMS != nil {
		cfg.ContextTTL = time.Duration(*fc.ContextTTLMS) * time.Millisecond
	}
	if fc.DiscoveryTimeoutMS != nil {
		cfg.DiscoveryTimeout = time.Duration(*fc.DiscoveryTimeoutMS) * time.Millisecond
	}
	if fc.AutoDetectModels != nil {
		cfg.AutoDetectModels = *fc.AutoDetectModels
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func applyEnv(cfg *Config) error {
	envString(&cfg.Host, "HOST")
	envString(&cfg.Port, "PORT")
	envString(&cfg.DataDir, "DATA_DIR")
	envString(&cfg.Storage, "STORAGE")
	envString(&cfg.GatewayToken, "GATEWAY_TOKEN")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envString(&cfg.ModelRefreshCron, "MODEL_REFRESH_CRON")

	if v, ok := lookup("RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_RPS: %w", EnvPrefix, err)
		}
		cfg.RateLimitRPS = rps
	}
	if v, ok := lookup("RATE_LIMIT_BURST"); ok {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_BURST: %w", EnvPrefix, err)
		}
		cfg.RateLimitBurst = burst
	}
	if v, ok := lookup("CONTEXT_TTL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCONTEXT_TTL_MS: %w", EnvPrefix, err)
		}
		cfg.ContextTTL = time.Duration(ms) * time.Millisecond
	}
	if v, ok := lookup("DISCOVERY_TIMEOUT_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sDISCOVERY_TIMEOUT_MS: %w", EnvPrefix, err)
		}
		cfg.DiscoveryTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := lookup("AUTO_DETECT_MODELS"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTO_DETECT_MODELS: %w", EnvPrefix, err)
		}
		cfg.AutoDetectModels = enabled
	}
	return nil
}

func envString(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + name))
	return v, v != ""
}
