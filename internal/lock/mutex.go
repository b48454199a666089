// Package lock implements the storage-backed scraper mutex.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/store"
)

// DefaultStaleAfter is how long a running lock is honored before the next
// acquisition may reclaim it.
const DefaultStaleAfter = 2 * time.Hour

// ErrNotHeld is returned by Unlock when called without an owner token.
var ErrNotHeld = eris.New("lock: not held")

// Mutex is a compare-and-set lock over a single store row. Each successful
// TryLock mints a fresh owner token that the caller passes back to Unlock.
// A Mutex holds no per-acquisition state and may be shared by concurrent
// callers.
type Mutex struct {
	store      store.LockStore
	id         string
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithID sets the lock row id.
func WithID(id string) Option {
	return func(m *Mutex) {
		if id != "" {
			m.id = id
		}
	}
}

// WithStaleAfter sets the reclaim window. Zero disables reclaim.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Mutex) { m.staleAfter = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Mutex) { m.now = now }
}

// New returns a Mutex on the given store.
func New(s store.LockStore, opts ...Option) *Mutex {
	m := &Mutex{
		store:      s,
		id:         model.DefaultLockID,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ID returns the lock row id.
func (m *Mutex) ID() string { return m.id }

// TryLock attempts to take the lock without waiting. On success it returns
// the owner token for Unlock. It returns ok=false with a nil error when
// another holder has it.
func (m *Mutex) TryLock(ctx context.Context) (owner string, ok bool, err error) {
	log := zap.L().With(zap.String("component", "lock"), zap.String("lock_id", m.id))

	if err := m.store.EnsureLock(ctx, m.id); err != nil {
		return "", false, eris.Wrap(err, "lock: ensure")
	}

	now := m.now()
	var staleBefore time.Time
	if m.staleAfter > 0 {
		staleBefore = now.Add(-m.staleAfter)
	}

	owner = uuid.NewString()
	ok, err = m.store.AcquireLock(ctx, m.id, owner, now, staleBefore)
	if err != nil {
		return "", false, eris.Wrap(err, "lock: acquire")
	}
	if !ok {
		log.Info("lock held elsewhere, skipping")
		return "", false, nil
	}

	log.Debug("lock acquired", zap.String("owner", owner))
	return owner, true, nil
}

// Unlock releases the lock if owner still holds it. A lock that was
// reclaimed by another holder is left alone.
func (m *Mutex) Unlock(ctx context.Context, owner string) error {
	if owner == "" {
		return ErrNotHeld
	}

	released, err := m.store.ReleaseLock(ctx, m.id, owner, m.now())
	if err != nil {
		return eris.Wrap(err, "lock: release")
	}
	if !released {
		zap.L().Warn("lock was reclaimed before release",
			zap.String("component", "lock"),
			zap.String("lock_id", m.id),
			zap.String("owner", owner),
		)
	}
	return nil
}

// Status returns the current lock row. A row that has never been created
// reports idle.
func (m *Mutex) Status(ctx context.Context) (*model.LockState, error) {
	st, err := m.store.GetLock(ctx, m.id)
	if errors.Is(err, store.ErrNotFound) {
		return &model.LockState{ID: m.id, Status: model.LockIdle}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "lock: status")
	}
	return st, nil
}

// Reset forces the lock idle regardless of owner.
func (m *Mutex) Reset(ctx context.Context) error {
	if err := m.store.EnsureLock(ctx, m.id); err != nil {
		return eris.Wrap(err, "lock: ensure")
	}
	return eris.Wrap(m.store.ResetLock(ctx, m.id), "lock: reset")
}
