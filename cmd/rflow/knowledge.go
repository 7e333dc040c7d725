package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/tools"
	"github.com/colaisr/research-flow-sub000/pkg/wiring"
)

var (
	searchTopK        int
	searchMaxDistance float64
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage knowledge bases used by knowledge_search tools",
}

var knowledgeIngestCmd = &cobra.Command{
	Use:   "ingest [base] [file...]",
	Short: "Chunk, embed and store text, markdown or PDF files in a knowledge base",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx, wiring.Options{MemStore: true})
		if err != nil {
			return err
		}
		defer rt.Close()
		in, err := rt.Ingester()
		if err != nil {
			return err
		}
		base := args[0]
		total := 0
		for _, path := range args[1:] {
			n, err := in.IngestFile(ctx, base, path)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ %s: %d chunk(s)\n", path, n)
			total += n
		}
		fmt.Printf("✓ %d chunk(s) added to %q\n", total, base)
		return nil
	},
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search [base] [query...]",
	Short: "Query a knowledge base the way a knowledge_search tool does",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx, wiring.Options{MemStore: true})
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.Knowledge == nil {
			return fmt.Errorf("knowledge.path is not configured")
		}
		exec := &tools.KnowledgeExecutor{Embedder: rt.Embedder, Bases: rt.Knowledge}
		out, err := exec.Execute(ctx, tools.Call{
			Def: &schema.ToolDefinition{
				ID:    args[0],
				Class: schema.ClassKnowledge,
				Config: schema.ToolConfig{
					Base:        args[0],
					TopK:        searchTopK,
					MaxDistance: searchMaxDistance,
				},
			},
			Params: map[string]any{"query": strings.Join(args[1:], " ")},
		})
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var knowledgeBasesCmd = &cobra.Command{
	Use:   "bases",
	Short: "List knowledge bases and their chunk counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := loadRuntime(ctx, wiring.Options{MemStore: true})
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.Knowledge == nil {
			return fmt.Errorf("knowledge.path is not configured")
		}
		bases, err := rt.Knowledge.Bases(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(bases))
		for name := range bases {
			names = append(names, name)
		}
		sort.Strings(names)

		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Base", "Chunks"})
		for _, name := range names {
			t.AppendRow(table.Row{name, bases[name]})
		}
		fmt.Println(t.Render())
		return nil
	},
}

func init() {
	knowledgeSearchCmd.Flags().IntVarP(&searchTopK, "k", "k", tools.DefaultTopK, "Maximum entries returned")
	knowledgeSearchCmd.Flags().Float64Var(&searchMaxDistance, "max-distance", tools.DefaultMaxDistance, "Maximum cosine distance")

	knowledgeCmd.AddCommand(knowledgeIngestCmd)
	knowledgeCmd.AddCommand(knowledgeSearchCmd)
	knowledgeCmd.AddCommand(knowledgeBasesCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
