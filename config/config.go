package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling.
type ServerConfig struct {
	HTTPPort string `mapstructure:"HTTP_PORT"`

	Issuer string `mapstructure:"ISSUER"`
	Realms string `mapstructure:"REALMS"` // comma-separated

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	// RedisAddr enables the shared federation statement cache; empty
	// keeps statements in process memory only.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelExporterEndpoint string `mapstructure:"OTEL_EXPORTER_ENDPOINT"`
	OtelServiceName      string `mapstructure:"OTEL_SERVICE_NAME"`

	DefaultSigningAlg string `mapstructure:"DEFAULT_SIGNING_ALG"`
	KeyRotationHours  int    `mapstructure:"KEY_ROTATION_HOURS"` // 0 disables rotation

	// FederationEntityID is this server's entity identifier toward
	// federation peers. FederationKeyFile points at the PEM private key
	// used for request objects and client assertions; without it the
	// flow degrades to unsigned requests.
	FederationEntityID string `mapstructure:"FEDERATION_ENTITY_ID"`
	FederationKeyFile  string `mapstructure:"FEDERATION_KEY_FILE"`

	UpstreamTimeoutSecs int `mapstructure:"UPSTREAM_TIMEOUT_SECS"`
}

// RealmList returns the configured realms.
func (c *ServerConfig) RealmList() []string {
	var realms []string
	for _, realm := range strings.Split(c.Realms, ",") {
		if realm = strings.TrimSpace(realm); realm != "" {
			realms = append(realms, realm)
		}
	}
	return realms
}

// KeyRotationPeriod returns the signing key rotation interval, zero when
// rotation is disabled.
func (c *ServerConfig) KeyRotationPeriod() time.Duration {
	return time.Duration(c.KeyRotationHours) * time.Hour
}

// UpstreamTimeout returns the bounded timeout for upstream calls.
func (c *ServerConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSecs) * time.Second
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("/etc/identra/")
	v.AddConfigPath("$HOME/.identra")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("ISSUER", "http://localhost:8080")
	v.SetDefault("REALMS", "default")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/identra_dev")
	v.SetDefault("MONGO_DB_NAME", "identra_dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "identra-server")
	v.SetDefault("DEFAULT_SIGNING_ALG", "RS256")
	v.SetDefault("KEY_ROTATION_HOURS", 0)
	v.SetDefault("UPSTREAM_TIMEOUT_SECS", 15)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
