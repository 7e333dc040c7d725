package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-runewidth"

	"github.com/colaisr/research-flow-sub000/pkg/runctx"
	"github.com/colaisr/research-flow-sub000/pkg/store"
)

// Options control how much of a run is printed.
type Options struct {
	Outputs  bool // print each step's output
	Markdown bool // render outputs through glamour
	Width    int  // wrap width for outputs; 0 means 100
}

// Summary is the printable view of a run.
type Summary struct {
	RunID       string
	Instrument  string
	Timeframe   string
	State       store.RunState
	TotalTokens int
	TotalCost   float64
	Duration    time.Duration
	Error       string
	Steps       []runctx.StepResult
}

// WriteRun prints the run header, one line per step and optionally outputs.
func WriteRun(w io.Writer, s Summary, opts Options) {
	width := opts.Width
	if width <= 0 {
		width = 100
	}
	fmt.Fprintf(w, "%s %s %s  %s\n", headerStyle.Render("run "+s.RunID), s.Instrument, s.Timeframe, StateBadge(s.State))

	nameWidth := 0
	for _, st := range s.Steps {
		if n := runewidth.StringWidth(st.StepName); n > nameWidth {
			nameWidth = n
		}
	}
	for _, st := range s.Steps {
		detail := fmt.Sprintf("%s  %d tok", st.Model, st.Tokens())
		switch st.Status {
		case runctx.StatusError:
			detail = st.ErrorMessage
		case runctx.StatusSkipped:
			detail = "skipped"
		}
		fmt.Fprintf(w, "  %s %s  %s\n", stepGlyph(st.Status),
			runewidth.FillRight(st.StepName, nameWidth),
			dimStyle.Render(runewidth.Truncate(detail, width-nameWidth-6, "…")))
	}

	totals := fmt.Sprintf("  %d tokens  $%.4f  %s", s.TotalTokens, s.TotalCost, s.Duration.Round(time.Millisecond))
	fmt.Fprintln(w, dimStyle.Render(totals))
	if s.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", stepFailed.Render("error:"), s.Error)
	}

	if !opts.Outputs {
		return
	}
	for _, st := range s.Steps {
		if st.Status != runctx.StatusSuccess || st.Output == "" {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", headerStyle.Render("── "+st.StepName+" ──"))
		if opts.Markdown {
			fmt.Fprintln(w, RenderMarkdown(st.Output, width))
		} else {
			fmt.Fprintln(w, st.Output)
		}
	}
}

// RunsTable renders stored runs as a table.
func RunsTable(runs []*store.Run, markdown bool) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"ID", "Pipeline", "Instrument", "TF", "State", "Tokens", "Cost", "Created"})
	var tokens int
	var cost float64
	for _, r := range runs {
		t.AppendRow(table.Row{r.ID, r.Pipeline, r.Instrument, r.Timeframe, r.State,
			r.TotalTokens, fmt.Sprintf("$%.4f", r.TotalCost), r.CreatedAt.Local().Format("2006-01-02 15:04")})
		tokens += r.TotalTokens
		cost += r.TotalCost
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d runs", len(runs)), tokens, fmt.Sprintf("$%.4f", cost), ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 7, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	if markdown {
		return t.RenderMarkdown()
	}
	t.SetStyle(table.StyleLight)
	return t.Render()
}

// StepsTable renders step results with prompts and outputs clipped to width
// display columns.
func StepsTable(steps []runctx.StepResult, width int) string {
	if width <= 0 {
		width = 60
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Step", "Status", "Model", "Tokens", "Output / Error"})
	for i, s := range steps {
		body := s.Output
		if s.Status != runctx.StatusSuccess {
			body = s.ErrorMessage
		}
		t.AppendRow(table.Row{i + 1, s.StepName, s.Status, s.Model, s.Tokens(), clip(body, width)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
	})
	return t.Render()
}

// clip flattens s to one line and truncates it to width display columns.
func clip(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}
