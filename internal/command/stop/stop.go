package stop

import (
	"context"

	"github.com/spf13/cobra"

	"bubbles/internal/config"
	"bubbles/internal/inject"
	"bubbles/pkg/flags"
	"bubbles/pkg/log"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Ask a running vm to shut down",
		Long: `Ask a running vm to shut down and wait until it stopped.

The vm may be owned by a "bubbles start" running elsewhere, stop then waits
until that process released the vm.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, args[0])
		},
	}

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config, name string) error {
	a, _, err := inject.New(cfg)
	if err != nil {
		return err
	}

	if err := a.Stop(ctx, name); err != nil {
		return err
	}

	log.GetLogger(ctx).WithField("vm", name).Info("vm stopped")

	return nil
}
