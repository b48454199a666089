package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "lock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestMutex_TryLockUnlock(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := New(st)
	b := New(st)

	owner, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, owner)

	other, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be rejected")
	assert.Empty(t, other)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Held())
	assert.Equal(t, owner, status.Owner)

	require.NoError(t, a.Unlock(ctx, owner))

	status, err = b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LockIdle, status.Status)
	assert.NotNil(t, status.LastRun)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutex_FreshOwnerPerAcquisition(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	m := New(st)

	first, ok, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Unlock(ctx, first))

	second, ok, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	// A token from an earlier acquisition cannot release the current one.
	require.NoError(t, m.Unlock(ctx, first))
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Held())
}

func TestMutex_UnlockWithoutOwner(t *testing.T) {
	m := New(newStore(t))
	assert.ErrorIs(t, m.Unlock(context.Background(), ""), ErrNotHeld)
}

func TestMutex_StatusBeforeFirstUse(t *testing.T) {
	m := New(newStore(t), WithID("other_lock"))

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "other_lock", st.ID)
	assert.Equal(t, model.LockIdle, st.Status)
}

func TestMutex_StaleReclaim(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	now := func() time.Time { return clock }

	crashed := New(st, WithClock(now), WithStaleAfter(time.Hour))
	next := New(st, WithClock(now), WithStaleAfter(time.Hour))

	crashedOwner, ok, err := crashed.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock = start.Add(59 * time.Minute)
	_, ok, err = next.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock is not stale yet")

	clock = start.Add(61 * time.Minute)
	nextOwner, ok, err := next.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "stale lock should be reclaimed")

	// The crashed holder's release must not free the new holder's lock.
	require.NoError(t, crashed.Unlock(ctx, crashedOwner))
	status, err := next.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Held())

	require.NoError(t, next.Unlock(ctx, nextOwner))
}

func TestMutex_SharedStaleReclaim(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	m := New(st, WithClock(func() time.Time { return clock }), WithStaleAfter(time.Hour))

	slow, ok, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock = start.Add(61 * time.Minute)
	current, ok, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok, "stale lock should be reclaimed")

	// The slow run finishes after the reclaim. Its release must leave the
	// current holder in place.
	require.NoError(t, m.Unlock(ctx, slow))
	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Held(), "current run must still hold the lock")
	assert.Equal(t, current, status.Owner)

	_, ok, err = m.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a third run must not acquire while the current one is active")

	require.NoError(t, m.Unlock(ctx, current))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.LockIdle, status.Status)
}

func TestMutex_NoReclaimWhenDisabled(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	now := func() time.Time { return clock }

	a := New(st, WithClock(now), WithStaleAfter(0))
	b := New(st, WithClock(now), WithStaleAfter(0))

	_, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock = start.Add(72 * time.Hour)
	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutex_Reset(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	_, ok, err := New(st).TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, New(st).Reset(ctx))

	_, ok, err = New(st).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

type failingLockStore struct {
	store.LockStore
}

func (failingLockStore) EnsureLock(context.Context, string) error {
	return errors.New("db down")
}

func TestMutex_TryLock_StoreError(t *testing.T) {
	m := New(failingLockStore{})

	owner, ok, err := m.TryLock(context.Background())
	assert.False(t, ok)
	assert.Empty(t, owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock: ensure")
}
