package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/dispatch"
)

var serveStrategy string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Interactive prompt loop",
	Long: `Read prompts from stdin, one per line, and answer each through the
dispatcher. Lines starting with ":" are commands:

  :evolve      run one evolution cycle
  :synth       run a synthesis pass
  :summary     print the metrics summary
  :router      print the router diagnostics
  :quit        exit`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveStrategy, "router", "", "routing strategy for every prompt (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// #region repl
func runServe(cmd *cobra.Command, args []string) error {
	svc, logger, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Println("Cell dispatcher ready.")
	fmt.Printf("  Config: %s | Cells: %s\n", configPath, strings.Join(svc.Cells(), ", "))
	fmt.Println("Type a prompt (or ':quit' to exit):")
	return repl(ctx, svc, os.Stdin, os.Stdout)
}

func repl(ctx context.Context, svc *dispatch.Service, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	turn := 0
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			quit, err := replCommand(ctx, svc, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		turn++
		resp, err := svc.Act(ctx, dispatch.Request{
			RequestID: fmt.Sprintf("turn-%d", turn),
			Prompt:    line,
			Strategy:  serveStrategy,
		})
		switch {
		case errors.Is(err, dispatch.ErrPolicyRejected):
			fmt.Fprintf(out, "[blocked] %s (risk=%.3f)\n", resp.Policy.Reason, resp.Policy.Risk)
			continue
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\n%s\n\n", resp.Response)
		fmt.Fprintf(out, "[%s] cell=%s router=%s latency=%dms domain=%s\n",
			resp.RequestID, resp.CellID, resp.Router, resp.Metrics.LatencyMs, resp.Domain)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// replCommand runs one ":" command and reports whether the loop should end.
func replCommand(ctx context.Context, svc *dispatch.Service, line string, out io.Writer) (bool, error) {
	switch strings.Fields(line)[0] {
	case ":quit", ":exit":
		return true, nil
	case ":evolve":
		res, err := svc.Evolve(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "perf=%.3f stale=%d allowed=%v triggered=%v candidate=%s\n",
			res.PrePerf, res.StaleCycles, res.Allowed, res.Triggered, res.Candidate)
	case ":synth":
		res, err := svc.Synthesize(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "created=%v removed=%v total=%d\n", res.Created, res.Removed, res.TotalCells)
	case ":summary":
		sum := svc.Summary()
		fmt.Fprintf(out, "total=%d success=%.3f policy=%.3f avg=%dms ema=%.3f\n",
			sum.Total, sum.SuccessRate, sum.PolicyPassRate, sum.AvgLatency, sum.GlobalEMA)
	case ":router":
		d := svc.RouterDiagnostics()
		fmt.Fprintf(out, "strategy=%s eps=%.3f scheduled=%.3f cells=%v values=%v\n", d.Strategy, d.Epsilon, d.Scheduled, d.Cells, d.State.Values)
	default:
		return false, fmt.Errorf("unknown command %q", line)
	}
	return false, nil
}

// #endregion repl
