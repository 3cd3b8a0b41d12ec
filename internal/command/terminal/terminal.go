package terminal

import (
	"context"

	"github.com/spf13/cobra"

	"bubbles/internal/config"
	"bubbles/internal/inject"
	"bubbles/pkg/flags"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "terminal <name>",
		Short: "Open a terminal window inside a running vm",
		Args:  cobra.ExactArgs(1),
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

	return a.SpawnTerminal(ctx, name)
}
