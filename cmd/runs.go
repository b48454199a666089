package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bosswiki/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func formatRunsList(out io.Writer, runs []model.SyncRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tDISCOVERED\tSAVED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t-------\t--------\t----------\t-----\t------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		msg := r.Error
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.Trigger,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Discovered,
			r.Saved,
			r.Failed,
			msg,
		)
	}
	_ = w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	runsCmd.Flags().Int("limit", 20, "number of runs to show")
	rootCmd.AddCommand(runsCmd)
}
