package threads

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/models"
	"github.com/xaenox/mentor-bot/internal/storage"
)

// Threads is the provider-side thread API the registry reconciles against.
type Threads interface {
	ThreadExists(ctx context.Context, threadID string) bool
	CreateThread(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Registry keeps the user -> provider thread binding. The id stored on the
// user record is only a hint: it is confirmed against the provider on
// every resolve and replaced when the provider no longer knows it.
type Registry struct {
	users   storage.UserStorage
	threads Threads
	logger  *zap.Logger
	now     func() time.Time
}

func NewRegistry(users storage.UserStorage, threads Threads, logger *zap.Logger) *Registry {
	return &Registry{
		users:   users,
		threads: threads,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Registry) storedThread(ctx context.Context, userID string) string {
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			r.logger.Warn("Failed to load user record", zap.String("user_id", userID), zap.Error(err))
		}
		return ""
	}
	return user.ThreadID
}

// Resolve returns a thread id that the provider currently knows for userID.
func (r *Registry) Resolve(ctx context.Context, userID string) (string, error) {
	log := r.logger.With(zap.String("user_id", userID))

	if threadID := r.storedThread(ctx, userID); threadID != "" {
		if r.threads.ThreadExists(ctx, threadID) {
			return threadID, nil
		}
		log.Warn("Bound thread no longer exists", zap.String("thread_id", threadID))
	}

	return r.bindNew(ctx, userID, log)
}

// Reset discards the user's current thread and binds a fresh one.
func (r *Registry) Reset(ctx context.Context, userID string) (string, error) {
	log := r.logger.With(zap.String("user_id", userID))

	if threadID := r.storedThread(ctx, userID); threadID != "" {
		if err := r.threads.DeleteThread(ctx, threadID); err != nil {
			log.Warn("Failed to delete previous thread", zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	return r.bindNew(ctx, userID, log)
}

// bindNew creates a thread and records it on the user. A failed write is
// logged only; the caller still gets a usable thread.
func (r *Registry) bindNew(ctx context.Context, userID string, log *zap.Logger) (string, error) {
	threadID, err := r.threads.CreateThread(ctx)
	if err != nil {
		return "", err
	}

	err = r.users.UpdateUser(ctx, userID, models.UserUpdate{
		ThreadID:  &threadID,
		UpdatedAt: r.now().UTC(),
	})
	if err != nil {
		log.Warn("Failed to persist thread binding", zap.String("thread_id", threadID), zap.Error(err))
		return threadID, nil
	}

	log.Info("Thread bound to user", zap.String("thread_id", threadID))
	return threadID, nil
}
