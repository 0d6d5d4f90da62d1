package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// Local identity. A real deployment swaps this for an auth layer.
	UserID      string   `mapstructure:"user_id"`
	DisplayName string   `mapstructure:"display_name"`
	Moderators  []string `mapstructure:"moderators"`
	Secret      string   `mapstructure:"secret"`

	// Signaling store backend: "memory" for a single-process relay,
	// "ws" for an external gateway.
	StoreBackend string `mapstructure:"store_backend"`
	GatewayURL   string `mapstructure:"gateway_url"`

	STUNServers []string `mapstructure:"stun_servers"`

	DataDir          string        `mapstructure:"data_dir"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	PresenceDebounce time.Duration `mapstructure:"presence_debounce"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("user_id", "")
	v.SetDefault("display_name", "")
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("store_backend", "memory")
	v.SetDefault("gateway_url", "ws://localhost:9000/ws")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("presence_debounce", "250ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.StoreBackend)
	return &cfg, nil
}
