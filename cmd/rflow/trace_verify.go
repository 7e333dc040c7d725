package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colaisr/research-flow-sub000/pkg/trace"
)

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trace.jsonl]",
	Short: "Verify a run trace's hash chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceVerify,
}

func runTraceVerify(cmd *cobra.Command, args []string) error {
	result, err := trace.VerifyFile(args[0])
	if err != nil {
		return err
	}
	if !result.Valid {
		fmt.Printf("✗ Chain broken at event %d\n", result.BrokenAt)
		if result.Error != "" {
			fmt.Printf("  %s\n", result.Error)
		}
		return fmt.Errorf("chain verification failed")
	}
	fmt.Printf("✓ Chain integrity: %d events, no breaks\n", result.EventCount)
	if result.FinalState != "" {
		fmt.Printf("  final state: %s\n", result.FinalState)
	} else {
		fmt.Println("  run did not complete")
	}
	return nil
}

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace file operations",
	}
	traceCmd.AddCommand(traceVerifyCmd)
	rootCmd.AddCommand(traceCmd)
}
