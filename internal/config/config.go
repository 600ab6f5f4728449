// Package config loads settings for the presence server and the supplier agent.
// Values resolve from defaults, then an optional YAML file, then AGRILINK_* env vars.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. AGRILINK_HTTP_ADDR.
const EnvPrefix = "AGRILINK"

var (
	ErrMissingAddr       = errors.New("listen address is required")
	ErrInvalidRetention  = errors.New("presence retention must be positive")
	ErrInvalidBuffer     = errors.New("presence send buffer must be positive")
	ErrMissingServerURL  = errors.New("agent server url is required")
	ErrMissingSupplierID = errors.New("agent supplier id is required")
	ErrMissingUsername   = errors.New("agent username is required")
	ErrInvalidHeartbeat  = errors.New("agent heartbeat must be positive")
	ErrInvalidHistory    = errors.New("history mode must be broadcast or device")
)

// History modes pick the single path that writes location history.
// HistoryFromBroadcast records every location accepted by the channel;
// HistoryFromDevice records only samples posted to /v1/locations/history.
const (
	HistoryFromBroadcast = "broadcast"
	HistoryFromDevice    = "device"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type PresenceConfig struct {
	Retention      time.Duration `mapstructure:"retention"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	StrictLocation bool          `mapstructure:"strict_location"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	SinkQueue      int           `mapstructure:"sink_queue"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	GeoKey string `mapstructure:"geo_key"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Mode string `mapstructure:"mode"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type OutboxConfig struct {
	Poll     time.Duration `mapstructure:"poll"`
	Batch    int           `mapstructure:"batch"`
	RetryMax int           `mapstructure:"retry_max"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst float64 `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Server configures cmd/presenceservice.
type Server struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	History   HistoryConfig   `mapstructure:"history"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

// Validate reports the first invalid setting.
func (s Server) Validate() error {
	if s.HTTP.Addr == "" {
		return fmt.Errorf("http.addr: %w", ErrMissingAddr)
	}
	if s.Presence.Retention <= 0 {
		return ErrInvalidRetention
	}
	if s.Presence.SendBuffer <= 0 {
		return ErrInvalidBuffer
	}
	if s.History.Mode != HistoryFromBroadcast && s.History.Mode != HistoryFromDevice {
		return fmt.Errorf("history.mode %q: %w", s.History.Mode, ErrInvalidHistory)
	}
	return nil
}

// SimulationConfig drives the simulated device used when no GPS is attached.
type SimulationConfig struct {
	StartLat   float64       `mapstructure:"start_lat"`
	StartLng   float64       `mapstructure:"start_lng"`
	SpeedMPS   float64       `mapstructure:"speed_mps"`
	HeadingDeg float64       `mapstructure:"heading_deg"`
	Interval   time.Duration `mapstructure:"interval"`
}

// Agent configures cmd/supplieragent.
type Agent struct {
	ServerURL   string           `mapstructure:"server_url"`
	Token       string           `mapstructure:"token"`
	SupplierID  string           `mapstructure:"supplier_id"`
	Username    string           `mapstructure:"username"`
	ServiceArea string           `mapstructure:"service_area"`
	Heartbeat   time.Duration    `mapstructure:"heartbeat"`
	MinDistance float64          `mapstructure:"min_distance"`
	FixTimeout  time.Duration    `mapstructure:"fix_timeout"`
	StateDir    string           `mapstructure:"state_dir"`
	HistoryURL  string           `mapstructure:"history_url"`
	Simulation  SimulationConfig `mapstructure:"simulation"`
	LogLevel    string           `mapstructure:"log_level"`
}

// Validate reports the first invalid setting.
func (a Agent) Validate() error {
	switch {
	case a.ServerURL == "":
		return ErrMissingServerURL
	case a.SupplierID == "":
		return ErrMissingSupplierID
	case a.Username == "":
		return ErrMissingUsername
	case a.Heartbeat <= 0:
		return ErrInvalidHeartbeat
	}
	return nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("presence.retention", 30*time.Minute)
	v.SetDefault("presence.sweep_interval", 30*time.Minute)
	v.SetDefault("presence.strict_location", false)
	v.SetDefault("presence.send_buffer", 64)
	v.SetDefault("presence.sink_queue", 1024)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.geo_key", "presence:suppliers")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("history.mode", HistoryFromBroadcast)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "presence.locations")
	v.SetDefault("outbox.poll", 200*time.Millisecond)
	v.SetDefault("outbox.batch", 100)
	v.SetDefault("outbox.retry_max", 3)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 20.0)
	v.SetDefault("log.level", "info")
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("agent.server_url", "ws://localhost:8080/ws/presence")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.supplier_id", "")
	v.SetDefault("agent.username", "")
	v.SetDefault("agent.service_area", "")
	v.SetDefault("agent.heartbeat", 30*time.Second)
	v.SetDefault("agent.min_distance", 20.0)
	v.SetDefault("agent.fix_timeout", 15*time.Second)
	v.SetDefault("agent.state_dir", "")
	v.SetDefault("agent.history_url", "")
	v.SetDefault("agent.simulation.start_lat", 27.7172)
	v.SetDefault("agent.simulation.start_lng", 85.3240)
	v.SetDefault("agent.simulation.speed_mps", 5.0)
	v.SetDefault("agent.simulation.heading_deg", 90.0)
	v.SetDefault("agent.simulation.interval", 5*time.Second)
	v.SetDefault("agent.log_level", "info")
}

// LoadServer reads server settings. configFile may be empty.
func LoadServer(v *viper.Viper, configFile string) (Server, error) {
	setServerDefaults(v)
	var cfg Server
	if err := load(v, configFile); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadAgent reads agent settings from the "agent" section. configFile may be empty.
func LoadAgent(v *viper.Viper, configFile string) (Agent, error) {
	setAgentDefaults(v)
	var wrapper struct {
		Agent Agent `mapstructure:"agent"`
	}
	if err := load(v, configFile); err != nil {
		return wrapper.Agent, err
	}
	// Unmarshal walks leaf keys, so AGRILINK_AGENT_* overrides apply.
	if err := v.Unmarshal(&wrapper); err != nil {
		return wrapper.Agent, fmt.Errorf("decode config: %w", err)
	}
	return wrapper.Agent, nil
}

func load(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("agrilink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agrilink")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}
