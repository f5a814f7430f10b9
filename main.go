package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the multitask-bert command tree.
func newRootCmd() *cobra.Command {
	var (
		logLevel string
		workers  int
	)

	root := &cobra.Command{
		Use:   "multitask-bert",
		Short: "Multi-task BERT: one shared encoder, SNLI/SST-2/STS-B/QNLI heads",
		Example: "  multitask-bert init-encoder --out encoder.bin --config tiny.yaml\n" +
			"  multitask-bert params --config tiny.yaml\n" +
			"  multitask-bert forward --config tiny.yaml --input batch.yaml --train",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			SetLogger(NewConsoleLogger(cmd.ErrOrStderr(), logLevel))
			cfg, err := computeConfigForWorkers(workers)
			if err != nil {
				return err
			}
			SetGlobalComputeConfig(cfg)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	root.PersistentFlags().IntVar(&workers, "workers", 0, "Matmul worker goroutines (0 = all CPUs, 1 = single-threaded)")

	root.AddCommand(newInitEncoderCmd(), newParamsCmd(), newForwardCmd())
	return root
}

// computeConfigForWorkers maps the --workers flag to a ComputeConfig.
func computeConfigForWorkers(workers int) (ComputeConfig, error) {
	switch {
	case workers < 0:
		return ComputeConfig{}, fmt.Errorf("--workers must not be negative, got %d", workers)
	case workers == 1:
		return SingleThreadedConfig(), nil
	default:
		cfg := DefaultComputeConfig()
		cfg.NumWorkers = workers
		return cfg, nil
	}
}

// loadConfigOrDefault loads path, or returns the defaults when path is empty.
func loadConfigOrDefault(path string) (MultiTaskConfig, error) {
	if path == "" {
		cfg := DefaultMultiTaskConfig()
		return cfg, cfg.Validate()
	}
	return LoadConfig(path)
}
