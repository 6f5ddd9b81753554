package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfyrun/client"
)

func newHistoryCmd(a *app) *cobra.Command {
	var noHydrate, asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			list, err := a.client.ListJobs(ctx)
			if err != nil {
				return err
			}
			a.logger.Debug("job list loaded", "source", list.Source(), "count", list.Len())
			if !noHydrate {
				n := a.client.HydratePrompts(ctx, list)
				a.logger.Debug("prompts hydrated", "count", n)
			}

			jobs := list.Jobs()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			return printJobs(cmd, jobs)
		},
	}
	cmd.Flags().BoolVar(&noHydrate, "no-hydrate", false, "do not look up missing prompt texts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the list as JSON")
	return cmd
}

func printJobs(cmd *cobra.Command, jobs []client.JobSummary) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tPROMPT\tIMAGE")
	for _, j := range jobs {
		prompt := "-"
		if j.Prompt != nil {
			prompt = truncate(*j.Prompt, 40)
		}
		image := j.ImageSrc
		if image == "" {
			image = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, j.CreatedAt.Local().Format(time.DateTime), prompt, image)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
