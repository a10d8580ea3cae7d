package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig captures all tunable parameters for the rider agent process.
// Values come from defaults, then an optional YAML file named by RIDER_CONFIG,
// then environment variables, so the binary runs locally with no setup.
type AgentConfig struct {
	APIBaseURL  string        `yaml:"api_base_url"`
	SocketURL   string        `yaml:"socket_url"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	SocketReconnectAttempts int           `yaml:"socket_reconnect_attempts"`
	SocketReconnectDelay    time.Duration `yaml:"socket_reconnect_delay"`

	LocationMinInterval  time.Duration `yaml:"location_min_interval"`
	LocationMinDistanceM float64       `yaml:"location_min_distance_m"`
	GeocoderURL          string        `yaml:"geocoder_url"`

	MaxActiveOrders int    `yaml:"max_active_orders"`
	RegionID        string `yaml:"region_id"`

	TokenStore    string `yaml:"token_store"`
	TokenFile     string `yaml:"token_file"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	DeviceID      string `yaml:"device_id"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`

	ControlAddr     string        `yaml:"control_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel string `yaml:"log_level"`
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		APIBaseURL:              "http://localhost:4000",
		HTTPTimeout:             15 * time.Second,
		SocketReconnectAttempts: 5,
		SocketReconnectDelay:    3 * time.Second,
		LocationMinInterval:     5 * time.Minute,
		LocationMinDistanceM:    50,
		GeocoderURL:             "https://nominatim.openstreetmap.org",
		MaxActiveOrders:         3,
		TokenStore:              "file",
		TokenFile:               "rider-tokens.json",
		DeviceID:                "default",
		KafkaTopic:              "rider-telemetry",
		ControlAddr:             "127.0.0.1:8090",
		ShutdownTimeout:         10 * time.Second,
		LogLevel:                "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("RIDER_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.APIBaseURL, "RIDER_API_BASE_URL")
	setStringFromEnv(&cfg.SocketURL, "RIDER_SOCKET_URL")
	setDurationFromEnv(&cfg.HTTPTimeout, "HTTP_TIMEOUT", &errs)

	setIntFromEnv(&cfg.SocketReconnectAttempts, "SOCKET_RECONNECT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SocketReconnectDelay, "SOCKET_RECONNECT_DELAY", &errs)

	setDurationFromEnv(&cfg.LocationMinInterval, "LOCATION_MIN_INTERVAL", &errs)
	setFloatFromEnv(&cfg.LocationMinDistanceM, "LOCATION_MIN_DISTANCE_M", &errs)
	setStringFromEnv(&cfg.GeocoderURL, "GEOCODER_URL")

	setIntFromEnv(&cfg.MaxActiveOrders, "MAX_ACTIVE_ORDERS", &errs)
	setStringFromEnv(&cfg.RegionID, "RIDER_REGION_ID")

	setStringFromEnv(&cfg.TokenStore, "TOKEN_STORE")
	setStringFromEnv(&cfg.TokenFile, "TOKEN_FILE")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.DeviceID, "RIDER_DEVICE_ID")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.ControlAddr, "CONTROL_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SocketURL == "" {
		cfg.SocketURL = deriveSocketURL(cfg.APIBaseURL)
	}
	cfg.TokenStore = strings.ToLower(cfg.TokenStore)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c AgentConfig) validate() []error {
	var errs []error
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("RIDER_API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL))
	}
	if c.SocketReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SOCKET_RECONNECT_ATTEMPTS must be > 0"))
	}
	if c.SocketReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("SOCKET_RECONNECT_DELAY must be >= 0"))
	}
	if c.LocationMinDistanceM < 0 {
		errs = append(errs, fmt.Errorf("LOCATION_MIN_DISTANCE_M must be >= 0"))
	}
	if c.MaxActiveOrders <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ACTIVE_ORDERS must be > 0"))
	}
	switch c.TokenStore {
	case "memory", "file":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("TOKEN_STORE=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("TOKEN_STORE must be memory, file or redis, got %q", c.TokenStore))
	}
	return errs
}

func loadFile(path string, cfg *AgentConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// deriveSocketURL maps http(s)://host to ws(s)://host.
func deriveSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
