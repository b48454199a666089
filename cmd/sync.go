package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one guarded scrape of the boss category",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("sync"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		env, err := initSyncEnv(st)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Syncer.Run(ctx, model.TriggerCLI)
		if err != nil {
			return err
		}
		printSyncResult(os.Stdout, res)
		return nil
	},
}

func printSyncResult(out io.Writer, res *syncer.Result) {
	if res.Skipped {
		_, _ = fmt.Fprintln(out, "Sync skipped: another run holds the lock.")
		return
	}
	_, _ = fmt.Fprintf(out, "Run %d: discovered=%d parsed=%d saved=%d failed=%d success=%.1f%% (%s)\n",
		res.RunID, res.Discovered, res.Parsed, res.Saved, res.Failed,
		res.SuccessRate()*100, res.Duration.Round(time.Millisecond))
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
