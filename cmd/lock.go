package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bosswiki/internal/lock"
	"github.com/sells-group/bosswiki/internal/model"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or reset the scraper lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scraper lock state",
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

		state, err := lock.New(st, lock.WithID(cfg.Lock.ID)).Status(ctx)
		if err != nil {
			return eris.Wrap(err, "lock status")
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return printLockState(os.Stdout, state, asJSON)
	},
}

var lockResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force the scraper lock idle",
	Long:  "Marks the lock idle regardless of holder. Use only when a run crashed and left the lock held.",
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

		if err := lock.New(st, lock.WithID(cfg.Lock.ID)).Reset(ctx); err != nil {
			return eris.Wrap(err, "lock reset")
		}
		_, _ = fmt.Fprintf(os.Stdout, "Lock %s reset to idle.\n", cfg.Lock.ID)
		return nil
	},
}

func printLockState(out io.Writer, st *model.LockState, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	_, _ = fmt.Fprintf(out, "ID:        %s\n", st.ID)
	_, _ = fmt.Fprintf(out, "Status:    %s\n", st.Status)
	if st.Owner != "" {
		_, _ = fmt.Fprintf(out, "Owner:     %s\n", st.Owner)
	}
	_, _ = fmt.Fprintf(out, "Locked at: %s\n", formatTime(st.LockedAt))
	_, _ = fmt.Fprintf(out, "Last run:  %s\n", formatTime(st.LastRun))
	return nil
}

func init() {
	lockStatusCmd.Flags().Bool("json", false, "print as JSON")
	lockCmd.AddCommand(lockStatusCmd, lockResetCmd)
	rootCmd.AddCommand(lockCmd)
}
