package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dyd1976jp/rag5-simplified-001/internal/flowlog"
)

func newFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect query flow logs",
	}
	cmd.AddCommand(newFlowsAnalyzeCmd())
	return cmd
}

func newFlowsAnalyzeCmd() *cobra.Command {
	var (
		sessionID string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "analyze <flow-log>",
		Short: "Summarize per-step timings from a flow log",
		Long: `Parses a flow log and reports event counts and step durations per
event type, plus any errors and slow steps. Restrict to a single
session with --session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open flow log: %w", err)
			}
			defer f.Close()

			events, err := flowlog.Parse(f)
			if err != nil {
				return fmt.Errorf("failed to parse flow log: %w", err)
			}
			analysis := flowlog.Analyze(events, sessionID)

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return flowlog.ExportJSON(out, analysis)
			case "csv":
				return flowlog.ExportCSV(out, analysis)
			case "text":
				return printAnalysis(cmd, analysis)
			default:
				return fmt.Errorf("unknown format %q (want text, json, or csv)", format)
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Restrict analysis to one session ID")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json, or csv")
	return cmd
}

func printAnalysis(cmd *cobra.Command, a *flowlog.Analysis) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Events: %d  Sessions: %d\n\n", a.TotalEvents, a.Sessions)

	types := make([]flowlog.EventType, 0, len(a.ByType))
	for t := range a.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT TYPE\tCOUNT\tAVG\tMIN\tMAX\tP95")
	for _, t := range types {
		s := a.ByType[t]
		fmt.Fprintf(tw, "%s\t%d\t%.3fs\t%.3fs\t%.3fs\t%.3fs\n",
			t, s.Count, s.AvgSeconds, s.MinSeconds, s.MaxSeconds, s.P95Seconds)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(a.Errors) > 0 {
		fmt.Fprintf(out, "\nErrors: %d\n", len(a.Errors))
		for _, ev := range a.Errors {
			fmt.Fprintf(out, "  [%s] session %s: %s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.SessionID, ev.Detail["error"])
		}
	}
	if len(a.SlowOps) > 0 {
		fmt.Fprintf(out, "\nSlow steps (>= %s): %d\n", flowlog.SlowOpThreshold, len(a.SlowOps))
		for _, ev := range a.SlowOps {
			fmt.Fprintf(out, "  [%s] %s session %s at +%.3fs\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.SessionID, ev.Elapsed.Seconds())
		}
	}
	return nil
}
