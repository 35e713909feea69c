package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kiranshivaraju/genflow/internal/workflow"
	"github.com/kiranshivaraju/genflow/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// requestFile is the on-disk shape of a workflow request. YAML and JSON are
// both accepted.
type requestFile struct {
	WorkflowType models.WorkflowType `yaml:"workflow_type"`
	Config       map[string]any      `yaml:"config"`
}

func newEstimateCmd() *cobra.Command {
	var (
		file     string
		flowType string
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Validate a workflow request file and print its price",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			t, raw, err := parseRequest(src, models.WorkflowType(flowType))
			if err != nil {
				return err
			}

			v, err := workflow.NewValidator()
			if err != nil {
				return err
			}
			est, err := v.Estimate(t, raw)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), est)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (YAML or JSON)")
	cmd.Flags().StringVar(&flowType, "type", "", "workflow type, overriding workflow_type in the file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// parseRequest reads a request file into the workflow type and the JSON
// config the API would receive.
func parseRequest(src []byte, override models.WorkflowType) (models.WorkflowType, json.RawMessage, error) {
	var req requestFile
	if err := yaml.Unmarshal(src, &req); err != nil {
		return "", nil, fmt.Errorf("parse request file: %w", err)
	}
	t := req.WorkflowType
	if override != "" {
		t = override
	}
	if t == "" {
		return "", nil, fmt.Errorf("workflow type is required (--type or workflow_type)")
	}
	if req.Config == nil {
		return "", nil, fmt.Errorf("request file has no config")
	}
	raw, err := json.Marshal(req.Config)
	if err != nil {
		return "", nil, fmt.Errorf("encode config: %w", err)
	}
	return t, raw, nil
}
