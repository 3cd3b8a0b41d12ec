package command

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bubbles/internal/command/create"
	cmdflags "bubbles/internal/command/flags"
	"bubbles/internal/command/image"
	"bubbles/internal/command/list"
	"bubbles/internal/command/start"
	"bubbles/internal/command/stop"
	"bubbles/internal/command/terminal"
	"bubbles/internal/config"
	"bubbles/internal/version"
	"bubbles/pkg/flags"
	"bubbles/pkg/log"
)

func NewRootCommand() (*cobra.Command, error) {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:          "bubbles",
		Short:        "bubbles - disposable desktop vms",
		SilenceUsage: true,
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
	cmdflags.AddStorageFlagsToCommand(cmd, cfg)
	cmdflags.AddHypervisorFlagsToCommand(cmd, cfg)

	if err := addRootSubCommands(cmd, cfg); err != nil {
		return nil, fmt.Errorf("adding subcommands: %w", err)
	}

	cobra.OnInitialize(initCobra)

	return cmd, nil
}

func initCobra() {
	viper.SetEnvPrefix("BUBBLES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("$HOME/.config/bubbles/")

	_ = viper.ReadInConfig()
}

func addRootSubCommands(cmd *cobra.Command, cfg *config.Config) error {
	constructors := []struct {
		name string
		new  func(*config.Config) (*cobra.Command, error)
	}{
		{"list", list.NewCommand},
		{"create", create.NewCommand},
		{"start", start.NewCommand},
		{"stop", stop.NewCommand},
		{"terminal", terminal.NewCommand},
		{"image", image.NewCommand},
	}

	for _, c := range constructors {
		sub, err := c.new(cfg)
		if err != nil {
			return fmt.Errorf("creating %s command: %w", c.name, err)
		}

		cmd.AddCommand(sub)
	}

	cmd.AddCommand(versionCommand())

	return nil
}

func versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of bubbles",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				long, short bool
				err         error
			)

			if long, err = cmd.Flags().GetBool("long"); err != nil {
				return err
			}

			if short, err = cmd.Flags().GetBool("short"); err != nil {
				return err
			}

			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)

				return nil
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
	_ = cmd.Flags().Bool("short", false, "Print short version information")

	return cmd
}
