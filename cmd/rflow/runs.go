package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colaisr/research-flow-sub000/pkg/config"
	"github.com/colaisr/research-flow-sub000/pkg/report"
	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/wiring"
)

var (
	runsLimit    int
	runsMarkdown bool
	runsOutputs  bool
	runsRender   bool
	runsTable    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := loadRuntime(cmd.Context(), wiring.Options{Provider: config.ProviderMock})
		if err != nil {
			return err
		}
		defer rt.Close()
		runs, err := rt.Store.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs")
			return nil
		}
		fmt.Println(report.RunsTable(runs, runsMarkdown))
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its step results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx, wiring.Options{Provider: config.ProviderMock})
		if err != nil {
			return err
		}
		defer rt.Close()
		run, err := rt.Store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		steps, err := rt.Store.StepResults(ctx, run.ID)
		if err != nil {
			return err
		}
		if runsTable {
			fmt.Println(report.StepsTable(steps, 60))
			return nil
		}
		s := report.Summary{
			RunID: run.ID, Instrument: run.Instrument, Timeframe: run.Timeframe, State: run.State,
			TotalTokens: run.TotalTokens, TotalCost: run.TotalCost, Error: run.Error, Steps: steps,
		}
		if run.StartedAt != nil && run.CompletedAt != nil {
			s.Duration = run.CompletedAt.Sub(*run.StartedAt)
		}
		report.WriteRun(os.Stdout, s, report.Options{Outputs: runsOutputs || runsRender, Markdown: runsRender})
		printPrompts(steps)
		return nil
	},
}

// printPrompts shows the rendered prompts of failed steps, which is usually
// what one needs when diagnosing them.
func printPrompts(steps []runctx.StepResult) {
	for _, s := range steps {
		if s.Status != runctx.StatusError || s.UserPrompt == "" {
			continue
		}
		fmt.Printf("\n── prompt for %s ──\n%s\n", s.StepName, s.UserPrompt)
		if s.ErrorDetail != "" && s.ErrorDetail != s.ErrorMessage {
			fmt.Printf("detail: %s\n", s.ErrorDetail)
		}
	}
}

func init() {
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to list")
	runsListCmd.Flags().BoolVar(&runsMarkdown, "markdown", false, "Print a markdown table")
	runsShowCmd.Flags().BoolVar(&runsOutputs, "outputs", true, "Print step outputs")
	runsShowCmd.Flags().BoolVar(&runsRender, "render", false, "Render outputs as markdown")
	runsShowCmd.Flags().BoolVar(&runsTable, "table", false, "Print a compact step table")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
