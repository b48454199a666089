package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/syncer"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []string
	block    chan struct{}
	err      error
	panicky  bool
}

func (f *fakeRunner) Run(ctx context.Context, trigger string) (*syncer.Result, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.mu.Unlock()

	if f.panicky {
		panic("boom")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &syncer.Result{Trigger: trigger}, f.err
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

func TestTrigger_RunsAsync(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := New(r)

	assert.True(t, s.Trigger(model.TriggerAdmin))
	require.Eventually(t, func() bool { return len(r.seen()) == 1 }, time.Second, 5*time.Millisecond)

	close(r.block)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{model.TriggerAdmin}, r.seen())
}

func TestTrigger_AfterStop(t *testing.T) {
	r := &fakeRunner{}
	s := New(r)
	require.NoError(t, s.Stop(context.Background()))

	assert.False(t, s.Trigger(model.TriggerAdmin))
	assert.Empty(t, r.seen())
}

func TestStop_CancelsInFlight(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	s := New(r)
	s.Trigger(model.TriggerAdmin)
	require.Eventually(t, func() bool { return len(r.seen()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestTrigger_ErrorsAndPanicsAreContained(t *testing.T) {
	s := New(&fakeRunner{err: errors.New("wiki down")})
	s.Trigger(model.TriggerAdmin)
	require.NoError(t, s.Stop(context.Background()))

	p := New(&fakeRunner{panicky: true})
	p.Trigger(model.TriggerAdmin)
	require.NoError(t, p.Stop(context.Background()))
}

func TestSchedule_FiresWithScheduleTrigger(t *testing.T) {
	r := &fakeRunner{}
	s := New(r)
	require.NoError(t, s.Schedule("* * * * * *"))
	s.Start()

	require.Eventually(t, func() bool { return len(r.seen()) > 0 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, model.TriggerSchedule, r.seen()[0])
}

func TestSchedule_InvalidSpec(t *testing.T) {
	s := New(&fakeRunner{})
	err := s.Schedule("every tuesday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron spec")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(DefaultSpec))
	assert.Error(t, Validate("61 * * * * *"))
}
