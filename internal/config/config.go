// Package config provides configuration management for the module management engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Peer      PeerConfig      `mapstructure:"peer"`
	HA        HAConfig        `mapstructure:"ha"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	MgmtPort  MgmtPortConfig  `mapstructure:"mgmt_port"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Hardware  HardwareConfig  `mapstructure:"hardware"`
	Affinity  AffinityConfig  `mapstructure:"affinity"`
	FUP       FUPConfig       `mapstructure:"fup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig holds the health endpoint configuration.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Address returns the gRPC listen address.
func (c GRPCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds control API authentication configuration.
type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// StorageConfig selects the persistent store and registry backends.
type StorageConfig struct {
	// Backend is one of "memory", "etcd" or "postgres".
	Backend string `mapstructure:"backend"`
	// Registry is one of "memory" or "etcd".
	Registry string `mapstructure:"registry"`
	// Notifications is one of "memory" or "redis".
	Notifications string `mapstructure:"notifications"`
	Key           string `mapstructure:"key"`
}

// PeerConfig holds the peer channel configuration.
type PeerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Address    string        `mapstructure:"address"`
	Path       string        `mapstructure:"path"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// BusyRetries bounds re-sends after the peer reports busy.
	BusyRetries int `mapstructure:"busy_retries"`
	InboxSize   int `mapstructure:"inbox_size"`
}

// HAConfig holds peer liveness configuration.
type HAConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// LifecycleConfig holds the scheduler driver configuration.
type LifecycleConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// MgmtPortConfig holds management port command timing.
type MgmtPortConfig struct {
	// T1 is the resend window. Failures after T1 and up to 2*T1 revert.
	T1 time.Duration `mapstructure:"t1"`
}

// PlatformConfig describes the enclosure this controller runs in.
type PlatformConfig struct {
	Side            string         `mapstructure:"side"`
	SingleSP        bool           `mapstructure:"single_sp"`
	PortPersist     bool           `mapstructure:"port_persist"`
	PersistDisabled bool           `mapstructure:"persist_disabled"`
	Bootflash       bool           `mapstructure:"bootflash"`
	CatalogPath     string         `mapstructure:"catalog_path"`
	PortLimits      map[string]int `mapstructure:"port_limits"`
	// Conversion maps "CLASS:slot" to "CLASS:slot" for platform conversions.
	Conversion map[string]string `mapstructure:"conversion"`
}

// HardwareConfig selects the hardware collaborator.
type HardwareConfig struct {
	// SimulationFile is a YAML enclosure description used instead of real hardware.
	SimulationFile string `mapstructure:"simulation_file"`
}

// AffinityConfig describes the CPU topology used for port affinity.
type AffinityConfig struct {
	Cores      int  `mapstructure:"cores"`
	Sockets    int  `mapstructure:"sockets"`
	VirtualCPU bool `mapstructure:"virtual_cpu"`
}

// FUPConfig holds back-end module firmware upgrade configuration.
type FUPConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ImageDir    string        `mapstructure:"image_dir"`
	WaitBefore  time.Duration `mapstructure:"wait_before"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("MODMGMT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MgmtPort.T1 <= 0 {
		return fmt.Errorf("invalid config: mgmt_port.t1 must be positive")
	}
	if c.Peer.BusyRetries < 0 {
		return fmt.Errorf("invalid config: peer.busy_retries must not be negative")
	}
	if c.Lifecycle.TickInterval <= 0 {
		return fmt.Errorf("invalid config: lifecycle.tick_interval must be positive")
	}
	switch c.Storage.Backend {
	case "memory", "etcd", "postgres":
	default:
		return fmt.Errorf("invalid config: unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8480)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// gRPC health
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 8481)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "modmgmt")
	v.SetDefault("database.user", "modmgmt")
	v.SetDefault("database.password", "modmgmt")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.prefix", "/modmgmt")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "modmgmt:data-changed")

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.token_expiry", "1h")

	// Storage
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.registry", "memory")
	v.SetDefault("storage.notifications", "memory")
	v.SetDefault("storage.key", "module_mgmt")

	// Peer
	v.SetDefault("peer.enabled", false)
	v.SetDefault("peer.address", "ws://localhost:8490/peer")
	v.SetDefault("peer.path", "/peer")
	v.SetDefault("peer.ack_timeout", "3s")
	v.SetDefault("peer.busy_retries", 3)
	v.SetDefault("peer.inbox_size", 64)

	// HA
	v.SetDefault("ha.enabled", true)
	v.SetDefault("ha.check_interval", "5s")
	v.SetDefault("ha.heartbeat_timeout", "15s")
	v.SetDefault("ha.failure_threshold", 3)

	// Lifecycle
	v.SetDefault("lifecycle.tick_interval", "500ms")

	// Management port
	v.SetDefault("mgmt_port.t1", "5s")

	// Platform
	v.SetDefault("platform.side", "A")
	v.SetDefault("platform.single_sp", false)
	v.SetDefault("platform.port_persist", true)
	v.SetDefault("platform.persist_disabled", false)
	v.SetDefault("platform.bootflash", false)
	v.SetDefault("platform.port_limits", map[string]int{
		"sas_be":       8,
		"sas_fe":       4,
		"fc_fe":        16,
		"iscsi_1g_fe":  8,
		"iscsi_10g_fe": 16,
		"fcoe_fe":      8,
	})

	// Affinity
	v.SetDefault("affinity.cores", 8)
	v.SetDefault("affinity.sockets", 1)

	// FUP
	v.SetDefault("fup.enabled", true)
	v.SetDefault("fup.image_dir", "/opt/modmgmt/firmware")
	v.SetDefault("fup.wait_before", "10s")
	v.SetDefault("fup.max_attempts", 3)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
