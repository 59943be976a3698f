package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/tools"
)

var (
	toolInput  string
	toolDomain string
	toolTags   []string
	toolTopK   int
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List, recommend and run workspace tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		list := svc.Tools()
		if jsonOut {
			return printJSON(list)
		}
		fmt.Printf("%-18s  %-8s  %-6s  %7s  %8s\n", "Tool", "Effects", "Risk", "Success", "Latency")
		for _, l := range list {
			fmt.Printf("%-18s  %-8s  %-6s  %7.3f  %6dms\n", l.ID, l.SideEffects, l.Risk, l.SuccessRate, l.AvgLatency)
		}
		return nil
	},
}

var toolsRunCmd = &cobra.Command{
	Use:   "run <tool-id>",
	Short: "Execute one tool through the policy-governed runner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in tools.Input
		if err := json.Unmarshal([]byte(toolInput), &in); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		out, err := svc.RunTool(cmd.Context(), args[0], in)
		if perr := printJSON(out); perr != nil {
			return perr
		}
		return err
	},
}

var toolsRecommendCmd = &cobra.Command{
	Use:   "recommend [prompt]",
	Short: "Rank tools for a task",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		tc := tools.TaskContext{Domain: toolDomain, Tags: toolTags}
		if len(args) == 1 {
			tc.Prompt = args[0]
		}
		ids := svc.RecommendTools(tc, toolTopK)
		if jsonOut {
			return printJSON(ids)
		}
		fmt.Println(strings.Join(ids, "\n"))
		return nil
	},
}

var toolsMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Aggregate the signed tool execution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		m, err := svc.ToolMetrics(0)
		if err != nil {
			return err
		}
		return printJSON(m)
	},
}

func init() {
	toolsRunCmd.Flags().StringVar(&toolInput, "input", "{}", "tool input as a JSON object")
	toolsRecommendCmd.Flags().StringVar(&toolDomain, "domain", "", "task domain")
	toolsRecommendCmd.Flags().StringSliceVar(&toolTags, "tags", nil, "task tags")
	toolsRecommendCmd.Flags().IntVar(&toolTopK, "k", 3, "number of tools to return")
	toolsCmd.AddCommand(toolsRunCmd, toolsRecommendCmd, toolsMetricsCmd)
	rootCmd.AddCommand(toolsCmd)
}
