package command

import (
	"fmt"

	"github.com/xqms/gpu-claim/internal/command/flags"
	"github.com/xqms/gpu-claim/internal/command/run"
	"github.com/xqms/gpu-claim/internal/config"
	"github.com/xqms/gpu-claim/internal/version"
	"github.com/xqms/gpu-claim/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand builds the gpu-arbiterd command tree.
func NewRootCommand() (*cobra.Command, error) {
	cfg := config.New()

	cmd := &cobra.Command{
		Use:   "gpu-arbiterd",
		Short: "Single-host GPU reservation arbiter",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.BindCommandToViper(cmd)

			if err := log.Configure(&cfg.Logging); err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}

			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	log.AddFlagsToCommand(cmd, &cfg.Logging)

	if err := addRootSubCommands(cmd, cfg); err != nil {
		return nil, fmt.Errorf("adding subcommands: %w", err)
	}

	cobra.OnInitialize(initCobra)

	return cmd, nil
}

func initCobra() {
	viper.SetEnvPrefix("GPU_ARBITERD")
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("/etc/gpu-arbiterd/")
	viper.AddConfigPath("$HOME/.config/gpu-arbiterd/")

	_ = viper.ReadInConfig()
}

func addRootSubCommands(cmd *cobra.Command, cfg *config.Config) error {
	runCmd, err := run.NewCommand(cfg)
	if err != nil {
		return fmt.Errorf("creating run cobra command: %w", err)
	}

	cmd.AddCommand(runCmd)
	cmd.AddCommand(versionCommand())

	return nil
}

func versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gpu-arbiterd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			long, err := cmd.Flags().GetBool("long")
			if err != nil {
				return err
			}

			if long {
				fmt.Fprintf(
					cmd.OutOrStdout(),
					"%s\n  Version:    %s\n  CommitHash: %s\n  BuildDate:  %s\n",
					version.PackageName,
					version.Version,
					version.CommitHash,
					version.BuildDate,
				)

				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.PackageName, version.Version)

			return nil
		},
	}

	_ = cmd.Flags().Bool("long", false, "Print long version information")

	return cmd
}
