package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfyrun/graphapi"
)

func newClassifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify [workflow]",
		Short: "Show how prompts would be injected into a workflow",
		Long: `classify reports whether a workflow takes a single prompt or a
positive/negative pair, the prompt texts it currently carries, and whether it
accepts an input image.  The workflow defaults to the configured one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Workflow
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no workflow given")
			}
			w, err := loadWorkflow(path)
			if err != nil {
				return err
			}

			report := struct {
				graphapi.PromptBinding
				SupportsImageInput bool `json:"supportsImageInput"`
			}{
				PromptBinding:      graphapi.ClassifyPrompts(w),
				SupportsImageInput: graphapi.SupportsImageInput(w),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
