package config

import "github.com/spf13/viper"

type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	PostgresURL   string `mapstructure:"POSTGRES_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	APIKeyHash    string `mapstructure:"API_KEY_HASH"`

	// Position source selection: "gpsd" or "replay".
	Source           string `mapstructure:"SOURCE"`
	GpsdAddr         string `mapstructure:"GPSD_ADDR"`
	ReplayFile       string `mapstructure:"REPLAY_FILE"`
	ReplayIntervalMS int    `mapstructure:"REPLAY_INTERVAL_MS"`

	// Sensor options.
	HighAccuracy  bool `mapstructure:"HIGH_ACCURACY"`
	FixTimeoutSec int  `mapstructure:"FIX_TIMEOUT_SEC"`
	FixMaxAgeSec  int  `mapstructure:"FIX_MAX_AGE_SEC"`

	// Movement filter threshold, in degrees per axis.
	MoveThresholdDeg float64 `mapstructure:"MOVE_THRESHOLD_DEG"`

	// Durable path log key and keep-alive lease TTL.
	PathKey         string `mapstructure:"PATH_KEY"`
	KeepAliveTTLSec int    `mapstructure:"KEEPALIVE_TTL_SEC"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("SERVER_PORT", ":8080")
	viper.SetDefault("POSTGRES_URL", "")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("JWT_SECRET", "dev-secret-change-me")
	viper.SetDefault("API_KEY_HASH", "")
	viper.SetDefault("SOURCE", "gpsd")
	viper.SetDefault("GPSD_ADDR", "localhost:2947")
	viper.SetDefault("REPLAY_FILE", "")
	viper.SetDefault("REPLAY_INTERVAL_MS", 1000)
	viper.SetDefault("HIGH_ACCURACY", true)
	viper.SetDefault("FIX_TIMEOUT_SEC", 10)
	viper.SetDefault("FIX_MAX_AGE_SEC", 0)
	viper.SetDefault("MOVE_THRESHOLD_DEG", 1e-5)
	viper.SetDefault("PATH_KEY", "tracking:path")
	viper.SetDefault("KEEPALIVE_TTL_SEC", 30)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
