package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bosswiki/internal/api"
	"github.com/sells-group/bosswiki/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort       int
	serveNoSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the boss API and run the sync schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if serveNoSchedule {
			cfg.Schedule.Enabled = false
		}
		if err := cfg.Validate("serve"); err != nil {
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

		sched := scheduler.New(env.Syncer)
		if cfg.Schedule.Enabled {
			if err := sched.Schedule(cfg.Schedule.Cron); err != nil {
				return err
			}
			sched.Start()
		}

		handler := api.NewRouter(api.Deps{
			Bosses:         st,
			Health:         st,
			Runs:           st,
			Lock:           env.Mutex,
			Sync:           sched,
			AdminToken:     cfg.Admin.Token,
			RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
			CORSOrigins:    cfg.Server.CORSOrigins,
		})
		if cfg.Admin.Token == "" {
			zap.L().Warn("admin.token is empty, admin routes are disabled")
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- eris.Wrap(err, "server listen")
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				_ = sched.Stop(context.Background())
				return err
			}
		}

		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			zap.L().Warn("scheduler shutdown", zap.Error(err))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "disable the cron schedule")
	rootCmd.AddCommand(serveCmd)
}
