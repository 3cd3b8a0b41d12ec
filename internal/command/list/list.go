package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"bubbles/internal/config"
	"bubbles/internal/inject"
	"bubbles/pkg/flags"
	"bubbles/pkg/models"
)

const (
	outputFlag = "output"

	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vms and their status",
		Args:  cobra.NoArgs,
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVarP(&output, outputFlag, "o", outputTable, "Output format, one of table, json or yaml.")

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, output string) error {
	a, _, err := inject.New(cfg)
	if err != nil {
		return err
	}

	vms, err := a.List(ctx)
	if err != nil {
		return err
	}

	return Print(out, output, vms)
}

// Print writes vms to out in the given format.
func Print(out io.Writer, output string, vms []models.VM) error {
	switch output {
	case outputJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")

		return encoder.Encode(vms)
	case outputYAML:
		data, err := yaml.Marshal(vms)
		if err != nil {
			return fmt.Errorf("marshalling vms: %w", err)
		}

		_, err = out.Write(data)

		return err
	case outputTable:
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "NAME\tSTATUS\tDISK")

		for _, vm := range vms {
			fmt.Fprintf(writer, "%s\t%s\t%s\n", vm.Name, vm.Status, units.HumanSize(float64(vm.DiskSize)))
		}

		return writer.Flush()
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
}
