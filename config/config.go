// Package config loads client and devserver settings from the environment
// and an optional config file.
package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Client settings.
	SocketURL        string        `mapstructure:"SOCKET_URL"`
	ReconnectDelay   time.Duration `mapstructure:"RECONNECT_DELAY"`
	MaxRetries       int           `mapstructure:"MAX_RETRIES"`
	PresenceInterval time.Duration `mapstructure:"PRESENCE_INTERVAL"`
	CallAlertTTL     time.Duration `mapstructure:"CALL_ALERT_TTL"`
	NoticeAlertTTL   time.Duration `mapstructure:"NOTICE_ALERT_TTL"`
	// TypingPerSecond throttles outgoing typing notifications; 0 leaves the
	// channel unthrottled, matching the protocol.
	TypingPerSecond float64 `mapstructure:"TYPING_PER_SECOND"`

	// Devserver settings.
	Port      string `mapstructure:"PORT"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	RedisURL  string `mapstructure:"REDIS_URL"`
}

func LoadConfig() *Config {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found; using environment variables and defaults")
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	// Set default values
	viper.SetDefault("SOCKET_URL", "ws://localhost:8080/ws")
	viper.SetDefault("RECONNECT_DELAY", "3s")
	viper.SetDefault("MAX_RETRIES", 100)
	viper.SetDefault("PRESENCE_INTERVAL", "1s")
	viper.SetDefault("CALL_ALERT_TTL", "15s")
	viper.SetDefault("NOTICE_ALERT_TTL", "4s")
	viper.SetDefault("TYPING_PER_SECOND", 0)
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("Unable to decode config into struct, %v", err)
	}

	return &config
}
