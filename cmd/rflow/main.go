// Package main provides the rflow CLI:
//
//	rflow validate <pipeline.yaml|tools.yaml>
//	rflow exec <pipeline.yaml> --instrument BTC/USDT --timeframe H1
//	rflow runs list | show <id>
//	rflow knowledge ingest|search|bases
//	rflow schema pipeline|tool
//	rflow trace verify <trace.jsonl>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/colaisr/research-flow-sub000/pkg/config"
	"github.com/colaisr/research-flow-sub000/pkg/schema"
	"github.com/colaisr/research-flow-sub000/pkg/wiring"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	providerFl string
	marketFl   string
	logLevelFl string
	toolsFl    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "rflow",
	Short:         "Research-flow analysis pipeline engine",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig resolves configuration and applies the global flags.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevelFl != "" {
		cfg.LogLevel = logLevelFl
	}
	if toolsFl != "" {
		cfg.ToolsFile = toolsFl
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// loadRuntime wires the runtime for commands that run or inspect pipelines.
func loadRuntime(ctx context.Context, opts wiring.Options) (*wiring.Runtime, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.Provider == "" {
		opts.Provider = providerFl
	}
	if opts.Market == "" {
		opts.Market = marketFl
	}
	return wiring.Build(ctx, cfg, logger, opts)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rflow %s (%s)\n", version, commit)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export JSON Schema to stdout",
}

var schemaPipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Export the pipeline JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GeneratePipelineJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var schemaToolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Export the tool registry JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateToolJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (merged over ~/.research-flow and ./.research-flow)")
	pf.StringVar(&providerFl, "provider", "", "Model provider override: openai, gemini or mock")
	pf.StringVar(&marketFl, "market", "", "Market data source override: binance or synthetic")
	pf.StringVar(&logLevelFl, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&toolsFl, "tools", "", "Tool registry file (overrides tools_file)")

	schemaCmd.AddCommand(schemaPipelineCmd)
	schemaCmd.AddCommand(schemaToolCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(schemaCmd)
}
