package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/models"
)

type Store interface {
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
	ListMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

type Config struct {
	MaxSessions     int
	EmptySessionTTL time.Duration
}

// Manager trims a user's chat history. Both passes are best effort: a
// failed delete leaves the session for the next run.
type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source used for the empty-session TTL.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 5
	}
	if cfg.EmptySessionTTL <= 0 {
		cfg.EmptySessionTTL = time.Hour
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnforceCap deletes every session beyond the newest MaxSessions and
// returns how many were removed.
func (m *Manager) EnforceCap(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) <= m.cfg.MaxSessions {
		return 0, nil
	}

	return m.deleteAll(ctx, userID, sessions[m.cfg.MaxSessions:])
}

// SweepEmpty deletes sessions that never received a message and are older
// than EmptySessionTTL.
func (m *Manager) SweepEmpty(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.EmptySessionTTL)
	var stale []*models.Session
	for _, s := range sessions {
		if s.MessageCount > 0 || !s.CreatedAt.Before(cutoff) {
			continue
		}
		// The counter can lag behind the messages on some backends.
		msgs, err := m.store.ListMessages(ctx, userID, s.ID)
		if err != nil || len(msgs) > 0 {
			continue
		}
		stale = append(stale, s)
	}

	return m.deleteAll(ctx, userID, stale)
}

func (m *Manager) deleteAll(ctx context.Context, userID string, sessions []*models.Session) (int, error) {
	var (
		deleted int
		errs    []error
	)
	for _, s := range sessions {
		if err := m.store.DeleteSession(ctx, userID, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete session %s: %w", s.ID, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Run sweeps empty sessions and then enforces the cap. Errors are logged,
// never returned.
func (m *Manager) Run(ctx context.Context, userID string) {
	log := m.logger.With(zap.String("user_id", userID))

	swept, err := m.SweepEmpty(ctx, userID)
	if err != nil {
		log.Warn("Empty session sweep failed", zap.Error(err))
	}

	evicted, err := m.EnforceCap(ctx, userID)
	if err != nil {
		log.Warn("Session cap enforcement failed", zap.Error(err))
	}

	if swept > 0 || evicted > 0 {
		log.Info("Chat history trimmed", zap.Int("swept", swept), zap.Int("evicted", evicted))
	}
}
