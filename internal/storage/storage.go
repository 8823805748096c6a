package storage

import (
	"context"
	"time"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/models"
)

// HistoryStore persists users, their sessions and session messages.
// Every operation is atomic per record only; invariants spanning several
// records (such as the per-user session cap) are enforced elsewhere.
type HistoryStore interface {
	CreateSession(ctx context.Context, userID string) (*models.Session, error)
	// GetSession returns apperr.ErrNotFound when the session does not exist
	// or belongs to another user.
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	AppendMessage(ctx context.Context, userID, sessionID string, sender models.Sender, text string, at time.Time) (*models.Message, error)
	// ListSessions returns the user's sessions newest first by creation time.
	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
	// ListMessages returns the session's messages oldest first.
	ListMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error)
	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	UserStorage

	Ping(ctx context.Context) error
	Close() error
}

type UserStorage interface {
	// GetUser returns apperr.ErrNotFound when no record exists.
	GetUser(ctx context.Context, userID string) (*models.User, error)
	// UpdateUser merges the non-nil fields of update into the user record,
	// creating it when missing.
	UpdateUser(ctx context.Context, userID string, update models.UserUpdate) error
}

var (
	errSessionNotFound = apperr.NotFound("chat not found")
	errUserNotFound    = apperr.NotFound("user not found")
)

func applyUserUpdate(u *models.User, update models.UserUpdate) {
	if update.Email != nil {
		u.Email = *update.Email
	}
	if update.FirstName != nil {
		u.FirstName = *update.FirstName
	}
	if update.LastName != nil {
		u.LastName = *update.LastName
	}
	if update.Country != nil {
		u.Country = *update.Country
	}
	if update.Role != nil {
		u.Role = *update.Role
	}
	if update.ThreadID != nil {
		u.ThreadID = *update.ThreadID
	}
	if !update.UpdatedAt.IsZero() {
		u.UpdatedAt = update.UpdatedAt
	}
}
