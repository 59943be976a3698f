package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one self-development cycle",
	Long: `Evaluate the global success average, count stale cycles and, once the
stale threshold is reached, propose the next pattern to the stability gate.
Structural changes are refused while the audit secret is the development
default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		res, err := svc.Evolve(cmd.Context())
		if perr := printJSON(res); perr != nil {
			return perr
		}
		return err
	},
}

var evolveStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Preview the next cycle without side effects",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)
		return printJSON(svc.EvolutionState())
	},
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Create cells for new domains and retire redundant ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)

		res, err := svc.Synthesize(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("created: %v\nremoved: %v\ntotal:   %d\n", res.Created, res.Removed, res.TotalCells)
		return nil
	},
}

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Show the bandit table and exploration schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)
		return printJSON(svc.RouterDiagnostics())
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the metrics summary and domain matrix",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, logger, err := openService()
		if err != nil {
			return err
		}
		defer closeService(svc, logger)
		return printJSON(map[string]any{
			"summary": svc.Summary(),
			"domains": svc.DomainMatrix(),
			"policy":  svc.PolicyKnowledge(),
		})
	},
}

func init() {
	evolveCmd.AddCommand(evolveStateCmd)
	rootCmd.AddCommand(evolveCmd, synthesizeCmd, routerCmd, metricsCmd)
}
