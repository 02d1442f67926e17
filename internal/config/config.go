package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/televisit/internal/adapters/rtc"
)

type Config struct {
	Mode           string   `mapstructure:"mode"`
	Port           int      `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	APIBase    string   `mapstructure:"api_base"`
	SignalURL  string   `mapstructure:"signal_url"`
	ICEServers []string `mapstructure:"ice_servers"`

	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	HandRaiseLowerDelay time.Duration `mapstructure:"hand_raise_lower_delay"`
	HandRaiseLimit      int           `mapstructure:"hand_raise_limit"`
	HandRaiseWindow     time.Duration `mapstructure:"hand_raise_window"`
	StatusPollInterval  time.Duration `mapstructure:"status_poll_interval"`
	TokenTTLMinutes     int           `mapstructure:"token_ttl_minutes"`

	Storage Storage `mapstructure:"storage"`
	Redis   Redis   `mapstructure:"redis"`
	Video   Video   `mapstructure:"video"`
}

type Storage struct {
	// Backend is memory or redis.
	Backend string `mapstructure:"backend"`
}

type Redis struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type Video struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SignalURL == "" {
		return fmt.Errorf("signal_url is required")
	}
	return nil
}

// Load resolves the config from defaults, the YAML file picked by CONFIG_ENV
// (or --config), TELEVISIT_* environment variables and command line flags,
// lowest to highest.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("televisit", pflag.ContinueOnError)
	configFile := fs.String("config", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	fs.String("mode", "release", "gin mode: release, debug or test")
	fs.Int("port", 8080, "control API port")
	fs.String("log-level", "info", "log level")
	fs.String("api-base", "http://localhost:5000", "telehealth API base URL")
	fs.String("signal-url", "ws://localhost:7880/signal", "SFU signaling URL")
	fs.String("storage-backend", "memory", "session storage: memory or redis")
	fs.String("redis-addr", "localhost:6379", "redis address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	fileName := *configFile
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("api_base", "http://localhost:5000")
	v.SetDefault("signal_url", "ws://localhost:7880/signal")
	v.SetDefault("ice_servers", []string{rtc.DefaultICEServer})
	v.SetDefault("connect_timeout", "30s")
	v.SetDefault("hand_raise_lower_delay", "3s")
	v.SetDefault("hand_raise_limit", 5)
	v.SetDefault("hand_raise_window", "1m")
	v.SetDefault("status_poll_interval", "15s")
	v.SetDefault("token_ttl_minutes", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "televisit:")
	v.SetDefault("video.width", 640)
	v.SetDefault("video.height", 480)

	v.SetEnvPrefix("TELEVISIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"mode":            "mode",
		"port":            "port",
		"log_level":       "log-level",
		"api_base":        "api-base",
		"signal_url":      "signal-url",
		"storage.backend": "storage-backend",
		"redis.addr":      "redis-addr",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Storage: %s | API: %s\n", cfg.Mode, cfg.Port, cfg.Storage.Backend, cfg.APIBase)
	return &cfg, nil
}
