package create

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"bubbles/internal/config"
	"bubbles/internal/inject"
	"bubbles/pkg/flags"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a vm from the image",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), args[0])
		},
	}

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, name string) error {
	a, _, err := inject.New(cfg)
	if err != nil {
		return err
	}

	vm, err := a.Create(ctx, name, cfg.Image)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "created %s from %s\n", vm.Name, cfg.Image)

	return nil
}
