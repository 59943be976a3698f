// Command inspect prints the SQLite ledger: request events, per-cell totals,
// provenance decisions and the pattern version chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", envOr("CELLS_DB", ""), "path to cells.db")
	mode := flag.String("mode", "totals", "events | totals | provenance | patterns")
	last := flag.Int("last", 20, "show N most recent rows")
	cellID := flag.String("cell", "", "filter events to one cell")
	domain := flag.String("domain", "", "filter events to one domain")
	trigger := flag.String("trigger", "", "filter provenance to one trigger (evolution, policy, synthesis)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/cells.db [--mode events|totals|provenance|patterns] [--last N] [--json]")
		os.Exit(2)
	}

	st, err := store.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	switch *mode {
	case "events":
		err = runEvents(ctx, st, store.EventFilter{CellID: *cellID, Domain: *domain, Limit: *last}, *jsonOut)
	case "totals":
		err = runTotals(ctx, st, *jsonOut)
	case "provenance":
		err = runProvenance(ctx, st, *trigger, *last, *jsonOut)
	case "patterns":
		err = runPatterns(ctx, st, *last, *jsonOut)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region events-mode

func runEvents(ctx context.Context, st *store.Store, f store.EventFilter, jsonOut bool) error {
	events, err := st.ListEvents(ctx, f)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(events)
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stderr, "no events found")
		return nil
	}
	fmt.Printf("%-12s  %-20s  %7s  %-7s  %-6s  %-14s  %s\n", "Request", "Cell", "Latency", "Success", "Policy", "Domain", "Time")
	fmt.Printf("%-12s+-%-20s+-%7s+-%-7s+-%-6s+-%-14s+-%s\n",
		"------------", "--------------------", "-------", "-------", "------", "--------------", "--------------------")
	for _, ev := range events {
		fmt.Printf("%-12s  %-20s  %5dms  %-7v  %-6v  %-14s  %s\n",
			shortID(ev.RequestID), ev.CellID, ev.LatencyMs, ev.Success, ev.PolicyPassed, dash(ev.Domain), ev.Timestamp.Format(time.RFC3339))
	}
	return nil
}

func runTotals(ctx context.Context, st *store.Store, jsonOut bool) error {
	totals, err := st.Totals(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(totals)
	}
	fmt.Printf("%-20s  %6s  %8s  %8s  %9s\n", "Cell", "Count", "Success", "Policy", "Latency")
	for _, t := range totals {
		fmt.Printf("%-20s  %6d  %8.3f  %8.3f  %7.0fms\n",
			t.CellID, t.Count, ratio(t.SuccessCount, t.Count), ratio(t.PolicyPassed, t.Count), t.AvgLatency)
	}
	return nil
}

// #endregion events-mode

// #region provenance-mode

func runProvenance(ctx context.Context, st *store.Store, trigger string, last int, jsonOut bool) error {
	rows, err := st.ListProvenance(ctx, trigger, last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no decisions found")
		return nil
	}
	fmt.Printf("%-20s  %-10s  %-9s  %-20s  %s\n", "Subject", "Trigger", "Decision", "Time", "Reason")
	for _, r := range rows {
		fmt.Printf("%-20s  %-10s  %-9s  %-20s  %s\n",
			r.SubjectID, r.TriggerType, r.Decision, r.CreatedAt.Format(time.RFC3339), dash(r.Reason))
	}
	return nil
}

// #endregion provenance-mode

// #region patterns-mode

type patternRow struct {
	VersionID  string  `json:"version_id"`
	ParentID   string  `json:"parent_id,omitempty"`
	PatternID  string  `json:"pattern_id"`
	Complexity float64 `json:"complexity"`
	Perf       float64 `json:"perf"`
	Active     bool    `json:"active"`
	CreatedAt  string  `json:"created_at"`
}

func runPatterns(ctx context.Context, st *store.Store, last int, jsonOut bool) error {
	versions, err := st.ListPatternVersions(ctx, last)
	if err != nil {
		return err
	}
	current, _ := st.CurrentPattern(ctx)

	rows := make([]patternRow, len(versions))
	for i, v := range versions {
		rows[i] = patternRow{
			VersionID:  v.VersionID,
			ParentID:   v.ParentID,
			PatternID:  v.PatternID,
			Complexity: v.Complexity,
			Perf:       v.Perf,
			Active:     v.VersionID == current.VersionID,
			CreatedAt:  v.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}
	if jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no pattern versions found")
		return nil
	}
	fmt.Printf("%-10s  %-10s  %-16s  %10s  %6s  %-6s  %s\n", "Version", "Parent", "Pattern", "Complexity", "Perf", "Active", "Time")
	for _, r := range rows {
		marker := ""
		if r.Active {
			marker = "*"
		}
		fmt.Printf("%-10s  %-10s  %-16s  %10.2f  %6.3f  %-6s  %s\n",
			shortID(r.VersionID), dash(shortID(r.ParentID)), r.PatternID, r.Complexity, r.Perf, marker, r.CreatedAt)
	}
	return nil
}

// #endregion patterns-mode

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion output
