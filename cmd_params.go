package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newParamsCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "params",
		Short: "Build the model and report trainable parameters",
		Long: "Builds the multi-task model from a config and prints the trainable\n" +
			"parameter count. In single-task mode (multi_task: false) the SST-2,\n" +
			"STS-B and QNLI heads are frozen and excluded from the count.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParams(cmd.OutOrStdout(), configPath, verbose)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (.yaml|.json|.toml)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every parameter tensor")
	return cmd
}

func runParams(w io.Writer, configPath string, verbose bool) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	model, err := NewMultiTaskBERTFromConfig(cfg)
	if err != nil {
		return err
	}

	if verbose {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSHAPE\tSIZE\tTRAINABLE")
		for _, p := range model.NamedParameters() {
			fmt.Fprintf(tw, "%s\t%v\t%s\t%t\n", p.Name, p.Tensor.shape, formatCount(p.Tensor.Size()), p.Tensor.requiresGrad)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "#Model parameters: %s\n", formatCount(model.TrainableParameterCount()))
	fmt.Fprintf(w, "Total parameters:  %s\n", formatCount(model.TotalParameterCount()))
	return nil
}
