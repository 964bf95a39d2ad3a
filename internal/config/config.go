package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gridkv/internal/gridmanager"

	"github.com/spf13/viper"
)

type GridConfig struct {
	// Server Configuration
	Host     string `mapstructure:"host" default:"0.0.0.0" description:"the command protocol host address"`
	Port     string `mapstructure:"port" default:"7653" description:"the command protocol port"`
	LogLevel string `mapstructure:"logLevel" default:"info" description:"Log Level"`

	// Grid Configuration
	NodeID   string            `mapstructure:"nodeId" default:"node-1" description:"the id of this node in the topology"`
	GrpcAddr string            `mapstructure:"grpcAddr" default:"" description:"node protocol listen address, empty runs the grid in process"`
	Peers    map[string]string `mapstructure:"peers" description:"node protocol addresses of all nodes by node id, this node included"`

	Partitions           int           `mapstructure:"partitions" default:"64" description:"number of partitions of the key space"`
	WorkerPoolSize       int           `mapstructure:"workerPoolSize" default:"16" description:"size of the async operation pool"`
	LockTimeout          time.Duration `mapstructure:"lockTimeout" default:"2s" description:"bound on every key lock acquisition"`
	CommitTimeout        time.Duration `mapstructure:"commitTimeout" default:"10s" description:"bound on both commit phases"`
	LockTimeoutRetryable bool          `mapstructure:"lockTimeoutRetryable" default:"true" description:"whether a lock timeout is a retryable conflict"`
	RetryMaxAttempts     int           `mapstructure:"retryMaxAttempts" default:"10" description:"attempts of the retry helper"`
}

var Config *GridConfig

const (
	configPath = "./"
	envPrefix  = "GRIDKV"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", "7653")
	v.SetDefault("logLevel", "info")
	v.SetDefault("nodeId", "node-1")
	v.SetDefault("grpcAddr", "")
	v.SetDefault("partitions", 64)
	v.SetDefault("workerPoolSize", 16)
	v.SetDefault("lockTimeout", "2s")
	v.SetDefault("commitTimeout", "10s")
	v.SetDefault("lockTimeoutRetryable", true)
	v.SetDefault("retryMaxAttempts", 10)
}

// Load reads config.json from the given directories. A missing file leaves
// the defaults, GRIDKV_* environment variables override both.
func Load(paths ...string) (*GridConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("json")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("No config file found, using defaults")
	}

	var cfg GridConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *GridConfig) validate() error {
	switch {
	case c.NodeID == "":
		return errors.New("nodeId must not be empty")
	case c.Partitions <= 0:
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("workerPoolSize must be positive, got %d", c.WorkerPoolSize)
	case c.RetryMaxAttempts <= 0:
		return fmt.Errorf("retryMaxAttempts must be positive, got %d", c.RetryMaxAttempts)
	}
	if len(c.Peers) > 0 {
		if _, ok := c.Peers[c.NodeID]; !ok {
			return fmt.Errorf("peers must list this node %q", c.NodeID)
		}
	}
	return nil
}

// Grid is the node configuration of the grid manager.
func (c *GridConfig) Grid() gridmanager.Config {
	return gridmanager.Config{
		NodeID:               c.NodeID,
		Partitions:           c.Partitions,
		WorkerPoolSize:       c.WorkerPoolSize,
		LockTimeout:          c.LockTimeout,
		CommitTimeout:        c.CommitTimeout,
		LockTimeoutRetryable: c.LockTimeoutRetryable,
		RetryMaxAttempts:     c.RetryMaxAttempts,
	}
}

// Clustered reports whether the node serves the node protocol over gRPC.
func (c *GridConfig) Clustered() bool {
	return c.GrpcAddr != "" && len(c.Peers) > 0
}

func LoadConfig() {
	cfg, err := Load(configPath)
	if err != nil {
		slog.Error("Failed to load config")
		panic(err)
	}
	Config = cfg
}
