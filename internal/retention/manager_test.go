package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/models"
	"github.com/xaenox/mentor-bot/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newFixture(t *testing.T) (*storage.MemoryStorage, *clock, *Manager) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStorage(storage.WithClock(c.now))
	m := NewManager(store, Config{MaxSessions: 5, EmptySessionTTL: time.Hour}, zap.NewNop(), WithClock(c.now))
	return store, c, m
}

func createSessions(t *testing.T, store *storage.MemoryStorage, c *clock, userID string, n int, withMessage bool) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		s, err := store.CreateSession(ctx, userID)
		require.NoError(t, err)
		if withMessage {
			_, err = store.AppendMessage(ctx, userID, s.ID, models.SenderUser, "hi", c.t)
			require.NoError(t, err)
		}
		ids = append(ids, s.ID)
		c.t = c.t.Add(time.Minute)
	}
	return ids
}

func sessionIDs(t *testing.T, store *storage.MemoryStorage, userID string) []string {
	t.Helper()
	sessions, err := store.ListSessions(context.Background(), userID)
	require.NoError(t, err)
	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestEnforceCap_KeepsNewest(t *testing.T) {
	store, c, m := newFixture(t)
	ids := createSessions(t, store, c, "u1", 8, true)

	deleted, err := m.EnforceCap(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining := sessionIDs(t, store, "u1")
	require.Len(t, remaining, 5)
	assert.Equal(t, []string{ids[7], ids[6], ids[5], ids[4], ids[3]}, remaining)
}

func TestEnforceCap_UnderCapIsNoop(t *testing.T) {
	store, c, m := newFixture(t)
	createSessions(t, store, c, "u1", 5, true)

	deleted, err := m.EnforceCap(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, sessionIDs(t, store, "u1"), 5)
}

func TestEnforceCap_OtherUsersUntouched(t *testing.T) {
	store, c, m := newFixture(t)
	createSessions(t, store, c, "u1", 7, true)
	createSessions(t, store, c, "u2", 3, true)

	_, err := m.EnforceCap(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, sessionIDs(t, store, "u2"), 3)
}

func TestSweepEmpty(t *testing.T) {
	store, c, m := newFixture(t)
	ctx := context.Background()

	oldEmpty := createSessions(t, store, c, "u1", 1, false)
	oldFull := createSessions(t, store, c, "u1", 1, true)
	c.t = c.t.Add(2 * time.Hour)
	freshEmpty := createSessions(t, store, c, "u1", 1, false)

	deleted, err := m.SweepEmpty(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	remaining := sessionIDs(t, store, "u1")
	assert.NotContains(t, remaining, oldEmpty[0])
	assert.Contains(t, remaining, oldFull[0])
	assert.Contains(t, remaining, freshEmpty[0])
}

// lyingStore reports zero messages for every session.
type lyingStore struct {
	*storage.MemoryStorage
}

func (s lyingStore) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	sessions, err := s.MemoryStorage.ListSessions(ctx, userID)
	for _, session := range sessions {
		session.MessageCount = 0
	}
	return sessions, err
}

func TestSweepEmpty_NeverDeletesSessionWithMessages(t *testing.T) {
	store, c, _ := newFixture(t)
	ids := createSessions(t, store, c, "u1", 2, true)
	c.t = c.t.Add(3 * time.Hour)

	m := NewManager(lyingStore{store}, Config{}, zap.NewNop(), WithClock(c.now))

	deleted, err := m.SweepEmpty(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.ElementsMatch(t, ids, sessionIDs(t, store, "u1"))
}

type failingDeletes struct {
	*storage.MemoryStorage
}

func (failingDeletes) DeleteSession(context.Context, string, string) error {
	return errors.New("store unavailable")
}

func TestRun_SwallowsErrors(t *testing.T) {
	store, c, _ := newFixture(t)
	createSessions(t, store, c, "u1", 7, true)

	m := NewManager(failingDeletes{store}, Config{MaxSessions: 5}, zap.NewNop())

	_, err := m.EnforceCap(context.Background(), "u1")
	assert.Error(t, err)

	assert.NotPanics(t, func() { m.Run(context.Background(), "u1") })
	assert.Len(t, sessionIDs(t, store, "u1"), 7)
}
