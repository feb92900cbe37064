package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all configuration for the Custos service.
type Config struct {
	API struct {
		Port                 int      `mapstructure:"port"`
		TLS                  bool     `mapstructure:"tls"`
		CertFile             string   `mapstructure:"cert_file"`
		KeyFile              string   `mapstructure:"key_file"`
		AllowedOrigins       []string `mapstructure:"allowed_origins"`
		TrustProxy           bool     `mapstructure:"trust_proxy"`
		TrustedProxyNetworks []string `mapstructure:"trusted_proxy_networks"`
		RateLimit            struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
			// MaxTrackedIPs bounds the per-IP limiter cache.
			MaxTrackedIPs int `mapstructure:"max_tracked_ips"`
		} `mapstructure:"rate_limit"`
		JSONBodyLimit  int `mapstructure:"json_body_limit"`
		LoginBodyLimit int `mapstructure:"login_body_limit"`
	} `mapstructure:"api"`

	Auth struct {
		Enabled    bool          `mapstructure:"enabled"`
		JWTSecret  string        `mapstructure:"jwt_secret"`
		CSRFSecret string        `mapstructure:"csrf_secret"`
		JWTExpiry  time.Duration `mapstructure:"jwt_expiry"`
		BcryptCost int           `mapstructure:"bcrypt_cost"`

		LockoutThreshold int           `mapstructure:"lockout_threshold"`
		LockoutDuration  time.Duration `mapstructure:"lockout_duration"`

		// Bootstrap admin created on first start if no users exist.
		BootstrapAdmin struct {
			Username string `mapstructure:"username"`
			Password string `mapstructure:"password"`
			// HashedPassword is derived at load time; the plaintext is
			// cleared immediately after hashing.
			HashedPassword string
		} `mapstructure:"bootstrap_admin"`
	} `mapstructure:"auth"`

	Session struct {
		// Backend selects the session store: "redis" or "memory".
		Backend string        `mapstructure:"backend"`
		TTL     time.Duration `mapstructure:"ttl"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			PoolSize int    `mapstructure:"pool_size"`
		} `mapstructure:"redis"`
	} `mapstructure:"session"`

	Storage struct {
		DataDir    string `mapstructure:"data_dir"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Billing struct {
		Enabled bool          `mapstructure:"enabled"`
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
		Retry   struct {
			MaxAttempts int           `mapstructure:"max_attempts"`
			BaseDelay   time.Duration `mapstructure:"base_delay"`
			Backoff     string        `mapstructure:"backoff"` // linear | exponential
		} `mapstructure:"retry"`
	} `mapstructure:"billing"`

	Notify struct {
		Enabled     bool              `mapstructure:"enabled"`
		WebhookURL  string            `mapstructure:"webhook_url"`
		Secret      string            `mapstructure:"secret"`
		Headers     map[string]string `mapstructure:"headers"`
		Timeout     time.Duration     `mapstructure:"timeout"`
		MinSeverity string            `mapstructure:"min_severity"`
	} `mapstructure:"notify"`

	Secrets struct {
		Provider string `mapstructure:"provider"` // env, vault, aws
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.tls", false)
	viper.SetDefault("api.cert_file", "server.crt")
	viper.SetDefault("api.key_file", "server.key")
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.trust_proxy", false)
	viper.SetDefault("api.trusted_proxy_networks", []string{})
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 100)
	viper.SetDefault("api.rate_limit.max_tracked_ips", 10000)
	viper.SetDefault("api.json_body_limit", 1048576) // 1MB
	viper.SetDefault("api.login_body_limit", 10240)  // 10KB

	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.jwt_expiry", 24*time.Hour)
	viper.SetDefault("auth.bcrypt_cost", 10)
	viper.SetDefault("auth.lockout_threshold", 5)
	viper.SetDefault("auth.lockout_duration", 15*time.Minute)
	viper.SetDefault("auth.bootstrap_admin.username", "")
	viper.SetDefault("auth.bootstrap_admin.password", "")

	viper.SetDefault("session.backend", "memory")
	viper.SetDefault("session.ttl", 24*time.Hour)
	viper.SetDefault("session.redis.addr", "localhost:6379")
	viper.SetDefault("session.redis.password", "")
	viper.SetDefault("session.redis.db", 0)
	viper.SetDefault("session.redis.pool_size", 10)

	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("storage.sqlite_path", "") // empty = derive from data_dir

	viper.SetDefault("billing.enabled", false)
	viper.SetDefault("billing.base_url", "https://api.payments.example.com")
	viper.SetDefault("billing.timeout", 10*time.Second)
	viper.SetDefault("billing.retry.max_attempts", 3)
	viper.SetDefault("billing.retry.base_delay", 500*time.Millisecond)
	viper.SetDefault("billing.retry.backoff", "exponential")

	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.webhook_url", "")
	viper.SetDefault("notify.secret", "")
	viper.SetDefault("notify.timeout", 10*time.Second)
	viper.SetDefault("notify.min_severity", "high")

	viper.SetDefault("secrets.provider", "env")
}

// loadFromEnv sets up environment variable loading.
func loadFromEnv() {
	viper.SetEnvPrefix("CUSTOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("storage.data_dir", "CUSTOS_DATA_DIR")
	_ = viper.BindEnv("storage.sqlite_path", "CUSTOS_SQLITE_PATH")
	_ = viper.BindEnv("auth.jwt_secret", "CUSTOS_AUTH_JWT_SECRET")
	_ = viper.BindEnv("auth.csrf_secret", "CUSTOS_AUTH_CSRF_SECRET")
	_ = viper.BindEnv("billing.api_key", "CUSTOS_BILLING_API_KEY")
}

// weakSecretValues are substrings that disqualify a secret outright.
var weakSecretValues = []string{
	"secret", "password", "changeme", "default", "admin",
	"supersecret", "mysecret", "test", "example",
}

// validateSecret enforces minimum strength for the JWT and CSRF secrets.
func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters (256 bits)", name)
	}
	lower := strings.ToLower(value)
	for _, weak := range weakSecretValues {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("%s appears to contain a weak/default value: use a cryptographically random string", name)
		}
	}
	return nil
}

// validateAndHash validates secrets and hashes the bootstrap admin password.
func validateAndHash(config *Config) error {
	if config.Auth.Enabled {
		if config.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if err := validateSecret("auth.jwt_secret", config.Auth.JWTSecret); err != nil {
			return err
		}
		if config.Auth.CSRFSecret == "" {
			return fmt.Errorf("auth.csrf_secret is required when auth is enabled")
		}
		if err := validateSecret("auth.csrf_secret", config.Auth.CSRFSecret); err != nil {
			return err
		}
		if config.Auth.CSRFSecret == config.Auth.JWTSecret {
			return fmt.Errorf("auth.csrf_secret must differ from auth.jwt_secret")
		}
	}

	if config.Auth.BootstrapAdmin.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword(
			[]byte(config.Auth.BootstrapAdmin.Password), config.Auth.BcryptCost)
		if err != nil {
			return fmt.Errorf("failed to hash bootstrap admin password: %w", err)
		}
		config.Auth.BootstrapAdmin.HashedPassword = string(hashed)
		config.Auth.BootstrapAdmin.Password = "" // clear plaintext
	}

	return validateConfig(config)
}

// validateConfig performs structural validation beyond secret strength.
func validateConfig(config *Config) error {
	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", config.API.Port)
	}
	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api.tls requires cert_file and key_file")
	}
	switch config.Session.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("session.backend must be redis or memory, got %q", config.Session.Backend)
	}
	if config.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if config.Billing.Enabled {
		if config.Billing.BaseURL == "" {
			return fmt.Errorf("billing.base_url is required when billing is enabled")
		}
		if config.Billing.Retry.MaxAttempts < 1 {
			return fmt.Errorf("billing.retry.max_attempts must be at least 1")
		}
		switch config.Billing.Retry.Backoff {
		case "linear", "exponential":
		default:
			return fmt.Errorf("billing.retry.backoff must be linear or exponential")
		}
	}
	if config.Notify.Enabled && config.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notifications are enabled")
	}
	return nil
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if config.Secrets.Provider != "" && config.Secrets.Provider != "env" {
		if err := LoadSecrets(&config); err != nil {
			return nil, err
		}
	}

	if err := validateAndHash(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths derives file paths from data_dir when not set explicitly.
func (c *Config) ResolveDataPaths() {
	dataDir := c.Storage.DataDir
	if dataDir == "" {
		dataDir = "./data"
		c.Storage.DataDir = dataDir
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(dataDir, "custos.db")
	}
}
