package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a DHT node
type Config struct {
	// Node identification
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	HomeDir  string `yaml:"homeDir"`
	NodeType string `yaml:"nodeType"` // sub-protocol the neighbour mesh is built for

	// HTTP API
	HTTPPort int `yaml:"httpPort"`

	// Bootstrap
	BootstrapNodes []string `yaml:"bootstrapNodes"`

	// Authentication
	AuthToken string `yaml:"authToken"` // Shared secret for node authentication

	// Topology parameters
	NeighbourFanout         int           `yaml:"neighbourFanout"`         // target neighbours per direction
	CheckNeighboursInterval time.Duration `yaml:"checkNeighboursInterval"` // KeepAlive period
	KeepAliveTryCount       int           `yaml:"keepAliveTryCount"`       // failures before a Superior is dropped
	KeepAliveMaxWait        time.Duration `yaml:"keepAliveMaxWait"`        // silence before an Upper is dropped
	CallTimeout             time.Duration `yaml:"callTimeout"`             // synchronous call deadline
	CorrelatorCapacity      int           `yaml:"correlatorCapacity"`
	MaxAsyncSends           int           `yaml:"maxAsyncSends"`
	RefusalCacheTTL         time.Duration `yaml:"refusalCacheTTL"` // how long a dont_remove answer is remembered

	// Dispatch workers
	MinWorkers          int           `yaml:"minWorkers"`
	MaxWorkers          int           `yaml:"maxWorkers"`
	QueueSize           int           `yaml:"queueSize"`
	ScaleSampleInterval time.Duration `yaml:"scaleSampleInterval"`
	GrowSamples         int           `yaml:"growSamples"`
	ShrinkSamples       int           `yaml:"shrinkSamples"`

	// DHT parameters
	DefaultReplicaCount      int           `yaml:"defaultReplicaCount"`
	InitTryCount             int           `yaml:"initTryCount"`   // split attempts per discovery round
	InitRetryDelay           time.Duration `yaml:"initRetryDelay"` // sleep between discovery rounds
	HandoffTimeout           time.Duration `yaml:"handoffTimeout"` // split to completed data transfer
	ReservationGrace         time.Duration `yaml:"reservationGrace"`
	ReservationSweepInterval time.Duration `yaml:"reservationSweepInterval"`
	TrashMaxAge              time.Duration `yaml:"trashMaxAge"`
	CheckRangeTableInterval  time.Duration `yaml:"checkRangeTableInterval"`
	DangerFreePercent        float64       `yaml:"dangerFreePercent"` // refuse new blocks below this free space

	// Logging
	LogLevel  string `yaml:"logLevel"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"logFormat"` // json, console
	LogFile   string `yaml:"logFile"`   // rotated file output when set

	// Metrics
	MetricsEnabled bool `yaml:"metricsEnabled"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     7001,
		HTTPPort: 8080,
		HomeDir:  "./data",
		NodeType: "dht",

		NeighbourFanout:         2,
		CheckNeighboursInterval: 15 * time.Second,
		KeepAliveTryCount:       3,
		KeepAliveMaxWait:        60 * time.Second,
		CallTimeout:             10 * time.Second,
		CorrelatorCapacity:      10000,
		MaxAsyncSends:           64,
		RefusalCacheTTL:         5 * time.Minute,

		MinWorkers:          2,
		MaxWorkers:          32,
		QueueSize:           1024,
		ScaleSampleInterval: 200 * time.Millisecond,
		GrowSamples:         5,
		ShrinkSamples:       15,

		DefaultReplicaCount:      2,
		InitTryCount:             3,
		InitRetryDelay:           5 * time.Second,
		HandoffTimeout:           5 * time.Minute,
		ReservationGrace:         10 * time.Minute,
		ReservationSweepInterval: time.Minute,
		TrashMaxAge:              24 * time.Hour,
		CheckRangeTableInterval:  time.Minute,
		DangerFreePercent:        5,

		LogLevel:  "info",
		LogFormat: "console",

		MetricsEnabled: true,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Address returns host:port of the node transport.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.BootstrapNodes = append([]string(nil), c.BootstrapNodes...)
	return &cp
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.HomeDir == "" {
		return fmt.Errorf("home directory is required")
	}
	if c.NodeType == "" {
		return fmt.Errorf("node type is required")
	}
	if c.NeighbourFanout < 1 {
		return fmt.Errorf("neighbour fanout must be positive, got %d", c.NeighbourFanout)
	}
	if c.KeepAliveTryCount < 1 {
		return fmt.Errorf("keep alive try count must be positive, got %d", c.KeepAliveTryCount)
	}
	if c.CheckNeighboursInterval <= 0 || c.KeepAliveMaxWait <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("topology intervals must be positive")
	}
	if c.KeepAliveMaxWait < c.CheckNeighboursInterval {
		return fmt.Errorf("keep alive max wait %s is shorter than check interval %s",
			c.KeepAliveMaxWait, c.CheckNeighboursInterval)
	}
	if c.CorrelatorCapacity < 1 {
		return fmt.Errorf("correlator capacity must be positive, got %d", c.CorrelatorCapacity)
	}
	if c.MaxAsyncSends < 1 {
		return fmt.Errorf("max async sends must be positive, got %d", c.MaxAsyncSends)
	}
	if c.MinWorkers < 1 || c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("invalid worker bounds: min %d, max %d", c.MinWorkers, c.MaxWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.ScaleSampleInterval <= 0 || c.GrowSamples < 1 || c.ShrinkSamples < 1 {
		return fmt.Errorf("invalid worker scaling parameters")
	}
	if c.DefaultReplicaCount < 0 || c.DefaultReplicaCount > 255 {
		return fmt.Errorf("replica count must be between 0 and 255, got %d", c.DefaultReplicaCount)
	}
	if c.InitTryCount < 1 {
		return fmt.Errorf("init try count must be positive, got %d", c.InitTryCount)
	}
	if c.HandoffTimeout <= 0 || c.ReservationSweepInterval <= 0 || c.CheckRangeTableInterval <= 0 {
		return fmt.Errorf("dht intervals must be positive")
	}
	if c.DangerFreePercent < 0 || c.DangerFreePercent >= 100 {
		return fmt.Errorf("danger free percent must be in [0, 100), got %v", c.DangerFreePercent)
	}
	return nil
}
