package threads

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/models"
	"github.com/xaenox/mentor-bot/internal/storage"
)

type fakeThreads struct {
	live    map[string]bool
	created int
	deleted []string
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{live: map[string]bool{}}
}

func (f *fakeThreads) ThreadExists(_ context.Context, id string) bool { return f.live[id] }

func (f *fakeThreads) CreateThread(context.Context) (string, error) {
	f.created++
	id := fmt.Sprintf("thread_%d", f.created)
	f.live[id] = true
	return id, nil
}

func (f *fakeThreads) DeleteThread(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.live, id)
	return nil
}

// failingUsers wraps a store and rejects every write.
type failingUsers struct {
	storage.UserStorage
}

func (failingUsers) UpdateUser(context.Context, string, models.UserUpdate) error {
	return errors.New("store unavailable")
}

func TestResolve_CreatesAndBindsThread(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	threads := newFakeThreads()
	reg := NewRegistry(store, threads, zap.NewNop())

	id, err := reg.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", id)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", user.ThreadID)
	assert.False(t, user.UpdatedAt.IsZero())
}

func TestResolve_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	threads := newFakeThreads()
	reg := NewRegistry(store, threads, zap.NewNop())

	first, err := reg.Resolve(ctx, "u1")
	require.NoError(t, err)
	before, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)

	second, err := reg.Resolve(ctx, "u1")
	require.NoError(t, err)
	after, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, threads.created)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestResolve_SelfHealsDeletedThread(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	threads := newFakeThreads()
	reg := NewRegistry(store, threads, zap.NewNop())

	stale := "thread_stale"
	require.NoError(t, store.UpdateUser(ctx, "u1", models.UserUpdate{ThreadID: &stale}))

	id, err := reg.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, stale, id)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, id, user.ThreadID)
}

func TestResolve_PersistFailureStillReturnsThread(t *testing.T) {
	ctx := context.Background()
	threads := newFakeThreads()
	reg := NewRegistry(failingUsers{storage.NewMemoryStorage()}, threads, zap.NewNop())

	id, err := reg.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", id)
	assert.True(t, threads.live[id])
}

func TestReset_ReplacesThread(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	threads := newFakeThreads()
	reg := NewRegistry(store, threads, zap.NewNop())

	old, err := reg.Resolve(ctx, "u1")
	require.NoError(t, err)

	fresh, err := reg.Reset(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, []string{old}, threads.deleted)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, fresh, user.ThreadID)
}
