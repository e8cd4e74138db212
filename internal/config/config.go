package config

import (
	"time"

	"github.com/xqms/gpu-claim/pkg/defaults"
	"github.com/xqms/gpu-claim/pkg/log"
)

// Config is the fully resolved configuration for the arbiter daemon,
// populated from flags, environment and (optionally) a YAML file via
// viper before being handed to the run command.
type Config struct {
	Logging log.Config

	// SocketPath is the UNIX socket the arbiter listens on for control
	// connections.
	SocketPath string

	// SentinelFile is the path whose presence puts the arbiter into
	// maintenance mode.
	SentinelFile string

	// GPULimitPerUser caps the number of cards a single uid may hold
	// reserved simultaneously.
	GPULimitPerUser int

	// TickInterval is the period of the admission loop's periodic update.
	TickInterval time.Duration

	// IdleTimeout is how long an owned, process-free card is held before
	// being reclaimed.
	IdleTimeout time.Duration

	// MetricsAddr, if non-empty, is the address the Prometheus /metrics
	// HTTP endpoint listens on. Empty disables the endpoint.
	MetricsAddr string

	// DisableSentinelWatch disables the fsnotify watch on SentinelFile's
	// directory, falling back to the per-tick stat only.
	DisableSentinelWatch bool
}

// New returns a Config populated with the package defaults.
func New() *Config {
	return &Config{
		SocketPath:      defaults.SocketPath,
		SentinelFile:    defaults.SentinelFile,
		GPULimitPerUser: defaults.GPULimitPerUser,
		TickInterval:    defaults.TickInterval,
		IdleTimeout:     defaults.IdleTimeout,
	}
}
