package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName           string
	AppEnv            string
	AppPort           string
	DatabaseURL       string
	RedisURL          string
	NATSURL           string
	JWTSecret         string
	ChatRingSize      int
	DedupRetention    time.Duration
	ChatFlushInterval time.Duration
	CloseScanInterval time.Duration
	WSIdleTimeout     time.Duration
	ShutdownTimeout   time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FABLE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Fable API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("chat.ring_size", 60)
	v.SetDefault("chat.dedup_retention", "1h")
	v.SetDefault("chat.flush_interval", "60s")
	v.SetDefault("vote.close_scan_interval", "1s")
	v.SetDefault("ws.idle_timeout", "30s")
	v.SetDefault("shutdown.timeout", "10s")

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),
	}

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"chat.dedup_retention", &cfg.DedupRetention},
		{"chat.flush_interval", &cfg.ChatFlushInterval},
		{"vote.close_scan_interval", &cfg.CloseScanInterval},
		{"ws.idle_timeout", &cfg.WSIdleTimeout},
		{"shutdown.timeout", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dest = parsed
	}

	cfg.ChatRingSize = v.GetInt("chat.ring_size")
	if cfg.ChatRingSize <= 0 {
		cfg.ChatRingSize = 60
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	return cfg, nil
}
