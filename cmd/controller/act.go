package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/dispatch"
)

var (
	actStrategy string
	actTools    []string
	actBatch    string
)

var actCmd = &cobra.Command{
	Use:   "act [prompt]",
	Short: "Answer one prompt, or a batch of JSON requests",
	Long: `Run a single prompt through the dispatcher and print the structured
response. With --batch, read one JSON request per line from the given file
("-" for stdin) and run them concurrently.

Exit code 3 means the prompt was blocked by policy.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAct,
}

func init() {
	actCmd.Flags().StringVar(&actStrategy, "router", "", "routing strategy (round_robin, random, keyword, success_rate, rl_bandit)")
	actCmd.Flags().StringSliceVar(&actTools, "tools", nil, "tool ids the response may invoke")
	actCmd.Flags().StringVar(&actBatch, "batch", "", "file of newline-delimited JSON requests")
	rootCmd.AddCommand(actCmd)
}

// #region act
func runAct(cmd *cobra.Command, args []string) error {
	if actBatch == "" && len(args) == 0 {
		return fmt.Errorf("a prompt or --batch is required")
	}
	svc, logger, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc, logger)

	if actBatch != "" {
		reqs, err := readBatch(actBatch)
		if err != nil {
			return err
		}
		results, err := svc.ActBatch(cmd.Context(), reqs)
		if perr := printJSON(results); perr != nil {
			return perr
		}
		return err
	}

	resp, err := svc.Act(cmd.Context(), dispatch.Request{
		Prompt:   args[0],
		Strategy: actStrategy,
		Tools:    actTools,
	})
	if jsonOut || err != nil {
		if perr := printJSON(resp); perr != nil {
			return perr
		}
	} else {
		fmt.Println(resp.Response)
		fmt.Fprintf(os.Stderr, "[%s] cell=%s latency=%dms\n", resp.RequestID, resp.CellID, resp.Metrics.LatencyMs)
	}
	if code := exitCode(err); code != 0 {
		closeService(svc, logger)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
	return nil
}

func readBatch(path string) ([]dispatch.Request, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, fmt.Errorf("open batch: %w", err)
		}
		defer f.Close()
	}
	var reqs []dispatch.Request
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req dispatch.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return nil, fmt.Errorf("batch line %d: %w", n, err)
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return reqs, nil
}

// #endregion act
