// Package scheduler runs the sync job on a cron schedule and on demand.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/syncer"
)

// DefaultSpec fires at minute 0 of every twelfth hour. The leading field
// is seconds.
const DefaultSpec = "0 0 */12 * * *"

// Runner is the job the scheduler drives.
type Runner interface {
	Run(ctx context.Context, trigger string) (*syncer.Result, error)
}

// Scheduler triggers Runner from cron and from callers such as the admin
// API. Every run happens in a tracked goroutine so Stop can wait for it.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a Scheduler. Runs use a background context that is
// cancelled by Stop.
func New(r Runner) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{runner: r, cron: cron.New(), ctx: ctx, cancel: cancel}
}

// Schedule registers the cron spec. An empty spec uses DefaultSpec.
func (s *Scheduler) Schedule(spec string) error {
	if spec == "" {
		spec = DefaultSpec
	}
	if err := s.cron.AddFunc(spec, func() { s.Trigger(model.TriggerSchedule) }); err != nil {
		return eris.Wrapf(err, "scheduler: invalid cron spec %q", spec)
	}
	zap.L().Info("sync scheduled", zap.String("component", "scheduler"), zap.String("spec", spec))
	return nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Trigger starts a run asynchronously and returns immediately. It reports
// false once the scheduler has been stopped. Overlapping triggers are
// safe: the run's lock turns the loser into a skip.
func (s *Scheduler) Trigger(trigger string) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(trigger)
	}()
	return true
}

func (s *Scheduler) run(trigger string) {
	log := zap.L().With(zap.String("component", "scheduler"), zap.String("trigger", trigger))
	defer func() {
		if p := recover(); p != nil {
			log.Error("sync panicked", zap.Any("panic", p))
		}
	}()

	res, err := s.runner.Run(s.ctx, trigger)
	if err != nil {
		log.Error("sync failed", zap.Error(err))
		return
	}
	if res != nil && res.Skipped {
		log.Info("sync skipped, another run holds the lock")
	}
}

// Stop halts the cron, cancels in-flight runs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "scheduler: wait for in-flight runs")
	}
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	if _, err := cron.Parse(spec); err != nil {
		return eris.Wrapf(err, "scheduler: invalid cron spec %q", spec)
	}
	return nil
}
