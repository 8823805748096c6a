package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/mentor-bot/internal/models"
)

type memorySession struct {
	session  models.Session
	seq      int64
	messages []*models.Message
}

type MemoryStorage struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	sessions map[string]*memorySession
	seq      int64
	now      func() time.Time
}

type MemoryOption func(*MemoryStorage)

// WithClock overrides the time source used for session creation.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ HistoryStore = (*MemoryStorage)(nil)

func (s *MemoryStorage) nextSeq() int64 {
	s.seq++
	return s.seq
}

// Session methods
func (s *MemoryStorage) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ms := &memorySession{
		session: models.Session{
			ID:             uuid.New().String(),
			UserID:         userID,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		seq: s.nextSeq(),
	}
	s.sessions[ms.session.ID] = ms

	out := ms.session
	return &out, nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sessions[sessionID]
	if !ok || ms.session.UserID != userID {
		return nil, errSessionNotFound
	}
	out := ms.session
	return &out, nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, userID, sessionID string, sender models.Sender, text string, at time.Time) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sessions[sessionID]
	if !ok || ms.session.UserID != userID {
		return nil, errSessionNotFound
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: at,
		Seq:       s.nextSeq(),
	}
	ms.messages = append(ms.messages, msg)
	ms.session.MessageCount = len(ms.messages)
	if at.After(ms.session.LastActivityAt) {
		ms.session.LastActivityAt = at
	}

	out := *msg
	return &out, nil
}

func (s *MemoryStorage) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*memorySession
	for _, ms := range s.sessions {
		if ms.session.UserID == userID {
			owned = append(owned, ms)
		}
	}

	sort.Slice(owned, func(i, j int) bool {
		a, b := owned[i], owned[j]
		if !a.session.CreatedAt.Equal(b.session.CreatedAt) {
			return a.session.CreatedAt.After(b.session.CreatedAt)
		}
		return a.seq > b.seq
	})

	result := make([]*models.Session, 0, len(owned))
	for _, ms := range owned {
		out := ms.session
		result = append(result, &out)
	}
	return result, nil
}

func (s *MemoryStorage) ListMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sessions[sessionID]
	if !ok || ms.session.UserID != userID {
		return nil, errSessionNotFound
	}

	result := make([]*models.Message, 0, len(ms.messages))
	for _, m := range ms.messages {
		out := *m
		result = append(result, &out)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

func (s *MemoryStorage) DeleteSession(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.sessions[sessionID]
	if !ok || ms.session.UserID != userID {
		return errSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// User methods
func (s *MemoryStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return nil, errUserNotFound
	}
	out := *user
	return &out, nil
}

func (s *MemoryStorage) UpdateUser(ctx context.Context, userID string, update models.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[userID]
	if !exists {
		user = &models.User{
			ID:        userID,
			Role:      models.RoleFree,
			CreatedAt: s.now(),
		}
		s.users[userID] = user
	}
	applyUserUpdate(user, update)
	if update.UpdatedAt.IsZero() {
		user.UpdatedAt = s.now()
	}
	return nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
