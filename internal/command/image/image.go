package image

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bubbles/internal/config"
	"bubbles/internal/inject"
	"bubbles/pkg/flags"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the images vms are created from",
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	cmd.AddCommand(listCommand(cfg))
	cmd.AddCommand(downloadCommand(cfg))

	return cmd, nil
}

func listCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List images and whether they are present",
		Args:  cobra.NoArgs,
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func downloadCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "download [name]",
		Short: "Download an image, the configured image by default",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := cfg.Image
			if len(args) == 1 {
				name = args[0]
			}

			return runDownload(cmd.Context(), cfg, cmd.OutOrStdout(), name)
		},
	}
}

func runList(ctx context.Context, cfg *config.Config, out io.Writer) error {
	_, ports, err := inject.New(cfg)
	if err != nil {
		return err
	}

	images, err := ports.Images.List(ctx)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tDESCRIPTION\tSTATUS")

	for _, image := range images {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", image.Name, image.DisplayName, image.Status)
	}

	return writer.Flush()
}

func runDownload(ctx context.Context, cfg *config.Config, out io.Writer, name string) error {
	_, ports, err := inject.New(cfg)
	if err != nil {
		return err
	}

	if err := ports.Images.Download(ctx, name); err != nil {
		return err
	}

	fmt.Fprintf(out, "downloaded %s\n", name)

	return nil
}
