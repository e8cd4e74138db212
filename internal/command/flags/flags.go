package flags

import (
	"strings"

	"github.com/xqms/gpu-claim/internal/config"
	"github.com/xqms/gpu-claim/pkg/defaults"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindCommandToViper binds every flag on cmd to viper, so that values can
// also be supplied via environment variable or config file.
func BindCommandToViper(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		name := strings.ReplaceAll(f.Name, "-", "_")
		_ = viper.BindPFlag(name, f)

		if !f.Changed && viper.IsSet(name) {
			_ = cmd.Flags().Set(f.Name, viper.GetString(name))
		}
	})
}

const (
	socketPathFlag      = "socket-path"
	sentinelFileFlag    = "sentinel-file"
	gpuLimitFlag        = "gpu-limit-per-user"
	tickIntervalFlag    = "tick-interval"
	idleTimeoutFlag     = "idle-timeout"
	metricsAddrFlag     = "metrics-addr"
	noSentinelWatchFlag = "no-sentinel-watch"
)

// AddServerFlagsToCommand adds the arbiter's transport and policy flags to
// the supplied command.
func AddServerFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.SocketPath,
		socketPathFlag,
		defaults.SocketPath,
		"Path of the UNIX control socket to listen on.")

	cmd.Flags().StringVar(&cfg.SentinelFile,
		sentinelFileFlag,
		defaults.SentinelFile,
		"Path whose presence puts the arbiter into maintenance mode.")

	cmd.Flags().IntVar(&cfg.GPULimitPerUser,
		gpuLimitFlag,
		defaults.GPULimitPerUser,
		"Maximum number of cards a single uid may hold reserved at once.")

	cmd.Flags().DurationVar(&cfg.TickInterval,
		tickIntervalFlag,
		defaults.TickInterval,
		"Period of the admission loop's periodic update.")

	cmd.Flags().DurationVar(&cfg.IdleTimeout,
		idleTimeoutFlag,
		defaults.IdleTimeout,
		"How long an owned, process-free card is held before reclamation.")
}

// AddMetricsFlagsToCommand adds the optional metrics HTTP endpoint flag and
// the flag that disables the sentinel file watch.
func AddMetricsFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.MetricsAddr,
		metricsAddrFlag,
		"",
		"Address for the Prometheus /metrics HTTP endpoint. Empty disables it.")

	cmd.Flags().BoolVar(&cfg.DisableSentinelWatch,
		noSentinelWatchFlag,
		false,
		"Disable the fsnotify watch on the sentinel file's directory and rely on the per-tick stat only.")
}
