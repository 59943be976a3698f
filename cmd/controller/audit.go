package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditLimit int

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every signature in the audit streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		reports, verr := svc.VerifyAudit(cmd.Context())
		if jsonOut {
			if err := printJSON(reports); err != nil {
				return err
			}
		} else {
			for _, r := range reports {
				fmt.Printf("%-40s  lines=%-6d  mismatched=%v\n", r.Path, r.Lines, r.Mismatched)
			}
		}
		return verr
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [actions|patterns]",
	Short: "Print the newest signed audit lines",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		stream := "patterns"
		if len(args) == 1 {
			stream = args[0]
		}
		var lines []string
		switch stream {
		case "actions":
			raw, err := svc.ActionsSample(auditLimit)
			if err != nil {
				return err
			}
			for _, l := range raw {
				lines = append(lines, string(l))
			}
		case "patterns":
			raw, err := svc.EvolutionLogs(auditLimit)
			if err != nil {
				return err
			}
			for _, l := range raw {
				lines = append(lines, string(l))
			}
		default:
			return fmt.Errorf("unknown stream %q", stream)
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVar(&auditLimit, "limit", 100, "lines to print (at most 300)")
	rootCmd.AddCommand(verifyCmd, logsCmd)
}
