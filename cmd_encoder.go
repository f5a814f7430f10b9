package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
)

// newInitEncoderCmd writes a randomly initialised encoder checkpoint. It
// stands in for a downloaded pre-trained encoder when wiring up configs and
// smoke-testing the heads.
func newInitEncoderCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:     "init-encoder",
		Short:   "Write a randomly initialised encoder checkpoint",
		Example: "  multitask-bert init-encoder --out encoder.bin --config tiny.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitEncoder(configPath, outPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (.yaml|.json|.toml); encoder section is used")
	cmd.Flags().StringVar(&outPath, "out", "encoder.bin", "Output checkpoint path")
	return cmd
}

func runInitEncoder(configPath, outPath string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Encoder.Validate(); err != nil {
		return err
	}

	enc, err := NewBERTEncoder(cfg.Encoder, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	if err := enc.Save(outPath); err != nil {
		return fmt.Errorf("failed to save encoder: %w", err)
	}

	params := make([]*Tensor, 0)
	for _, p := range enc.NamedParameters() {
		params = append(params, p.Tensor)
	}
	zlog.Info().Str("path", outPath).Int("layers", cfg.Encoder.NumLayers).Int("hidden", cfg.Encoder.HiddenDim).
		Msgf("encoder written: %s parameters", formatCount(countParameters(params)))
	return nil
}
