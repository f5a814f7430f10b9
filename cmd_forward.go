package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// forwardRequest is the batch file the forward command reads.
type forwardRequest struct {
	Inputs Inputs  `json:"inputs" yaml:"inputs" toml:"inputs"`
	Labels *Labels `json:"labels,omitempty" yaml:"labels,omitempty" toml:"labels,omitempty"`
}

// forwardResponse is what the forward command prints.
type forwardResponse struct {
	Mode      string                 `json:"mode"`
	Outputs   map[string][][]float64 `json:"outputs"`
	Losses    map[string]float64     `json:"losses,omitempty"`
	TotalLoss *float64               `json:"total_loss,omitempty"`
}

func newForwardCmd() *cobra.Command {
	var (
		configPath string
		inputPath  string
		train      bool
	)

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run one forward pass over a batch file and print per-task outputs",
		Long: "Reads a batch file with an \"inputs\" section (snli, sst2, stsb, qnli,\n" +
			"each with token_ids and optional segment_ids/mask_ids) and an optional\n" +
			"\"labels\" section. Without --train only SNLI runs. With --train in\n" +
			"multi-task mode all four tasks run and need a batch.",
		Example: "  multitask-bert forward --config tiny.yaml --input batch.yaml --train",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForward(cmd.OutOrStdout(), configPath, inputPath, train)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (.yaml|.json|.toml)")
	cmd.Flags().StringVar(&inputPath, "input", "", "Batch file (.yaml|.json|.toml)")
	cmd.Flags().BoolVar(&train, "train", false, "Run in training mode (dropout on, auxiliary tasks in multi-task mode)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runForward(w io.Writer, configPath, inputPath string, train bool) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}

	b, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	var req forwardRequest
	if err := decodeByExt(inputPath, b, &req); err != nil {
		return fmt.Errorf("parse %s: %w", inputPath, err)
	}

	model, err := NewMultiTaskBERTFromConfig(cfg)
	if err != nil {
		return err
	}
	if train {
		model.Train()
	} else {
		model.Eval()
	}

	out, err := model.Forward(&req.Inputs)
	if err != nil {
		return err
	}

	resp := forwardResponse{
		Mode:    modeLabel(model.Training()),
		Outputs: make(map[string][][]float64),
	}
	for _, task := range AllTasks {
		if t := out.Get(task); t != nil {
			resp.Outputs[task.String()] = tensorRows(t)
		}
	}

	if req.Labels != nil {
		losses, _, err := ComputeLosses(out, req.Labels)
		if err != nil {
			return err
		}
		resp.Losses = make(map[string]float64, len(losses.PerTask))
		for task, loss := range losses.PerTask {
			resp.Losses[task.String()] = loss
		}
		total := losses.Total
		resp.TotalLoss = &total
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// tensorRows converts a 2D tensor to nested slices.
func tensorRows(t *Tensor) [][]float64 {
	rows, cols := t.shape[0], t.shape[1]
	out := make([][]float64, rows)
	for r := range out {
		out[r] = append([]float64(nil), t.data[r*cols:(r+1)*cols]...)
	}
	return out
}
