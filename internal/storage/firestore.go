package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xaenox/mentor-bot/internal/models"
	"go.uber.org/zap"
)

// FirestoreStorage keeps users under users/{uid} and chats under
// chats/{uid}/conversations/{sid}/messages/{mid}.
type FirestoreStorage struct {
	client *firestore.Client
	logger *zap.Logger
	now    func() time.Time
}

var _ HistoryStore = (*FirestoreStorage)(nil)

func NewFirestoreStorage(client *firestore.Client, logger *zap.Logger) *FirestoreStorage {
	return &FirestoreStorage{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *FirestoreStorage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(userID)
}

func (s *FirestoreStorage) sessionsCol(userID string) *firestore.CollectionRef {
	return s.client.Collection("chats").Doc(userID).Collection("conversations")
}

func (s *FirestoreStorage) sessionDoc(userID, sessionID string) *firestore.DocumentRef {
	return s.sessionsCol(userID).Doc(sessionID)
}

func (s *FirestoreStorage) messagesCol(userID, sessionID string) *firestore.CollectionRef {
	return s.sessionDoc(userID, sessionID).Collection("messages")
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type userDoc struct {
	Email     string    `firestore:"email"`
	FirstName string    `firestore:"first_name"`
	LastName  string    `firestore:"last_name"`
	Country   string    `firestore:"country"`
	Role      string    `firestore:"rol"`
	ThreadID  string    `firestore:"thread_id"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type sessionDoc struct {
	UserID         string    `firestore:"user_id"`
	CreatedAt      time.Time `firestore:"created_at"`
	LastActivityAt time.Time `firestore:"last_activity_at"`
	MessageCount   int       `firestore:"message_count"`
}

type messageDoc struct {
	Sender    string    `firestore:"sender"`
	Text      string    `firestore:"text"`
	CreatedAt time.Time `firestore:"created_at"`
	Seq       int64     `firestore:"seq"`
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func toSession(id string, doc sessionDoc) *models.Session {
	return &models.Session{
		ID:             id,
		UserID:         doc.UserID,
		CreatedAt:      doc.CreatedAt,
		LastActivityAt: doc.LastActivityAt,
		MessageCount:   doc.MessageCount,
	}
}

// ─────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────

func (s *FirestoreStorage) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	now := s.now().UTC()
	ref := s.sessionsCol(userID).NewDoc()

	doc := sessionDoc{
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("firestore CreateSession: %w", err)
	}

	return toSession(ref.ID, doc), nil
}

func (s *FirestoreStorage) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	snap, err := s.sessionDoc(userID, sessionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, errSessionNotFound
		}
		return nil, fmt.Errorf("firestore GetSession: %w", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetSession decode: %w", err)
	}
	return toSession(snap.Ref.ID, doc), nil
}

func (s *FirestoreStorage) AppendMessage(ctx context.Context, userID, sessionID string, sender models.Sender, text string, at time.Time) (*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	ref := s.messagesCol(userID, sessionID).NewDoc()
	doc := messageDoc{
		Sender:    string(sender),
		Text:      text,
		CreatedAt: at.UTC(),
		Seq:       s.now().UnixNano(),
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("firestore AppendMessage: %w", err)
	}

	_, err := s.sessionDoc(userID, sessionID).Update(ctx, []firestore.Update{
		{Path: "message_count", Value: firestore.Increment(1)},
		{Path: "last_activity_at", Value: doc.CreatedAt},
	})
	if err != nil {
		s.logger.Warn("Failed to update session counters",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("session_id", sessionID))
	}

	return &models.Message{
		ID:        ref.ID,
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: doc.CreatedAt,
		Seq:       doc.Seq,
	}, nil
}

func (s *FirestoreStorage) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	iter := s.sessionsCol(userID).OrderBy("created_at", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var out []*models.Session
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore ListSessions: %w", err)
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode sessionDoc: %w", err)
		}
		out = append(out, toSession(snap.Ref.ID, doc))
	}
	return out, nil
}

func (s *FirestoreStorage) ListMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	iter := s.messagesCol(userID, sessionID).
		OrderBy("created_at", firestore.Asc).
		OrderBy("seq", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.Message
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore ListMessages: %w", err)
		}

		var doc messageDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode messageDoc: %w", err)
		}
		out = append(out, &models.Message{
			ID:        snap.Ref.ID,
			SessionID: sessionID,
			Sender:    models.Sender(doc.Sender),
			Text:      doc.Text,
			CreatedAt: doc.CreatedAt,
			Seq:       doc.Seq,
		})
	}
	return out, nil
}

// DeleteSession removes every message document before the session itself;
// Firestore does not cascade subcollection deletes.
func (s *FirestoreStorage) DeleteSession(ctx context.Context, userID, sessionID string) error {
	ref := s.sessionDoc(userID, sessionID)
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}

	iter := s.messagesCol(userID, sessionID).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("firestore DeleteSession list messages: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("firestore DeleteSession message %s: %w", snap.Ref.ID, err)
		}
	}

	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("firestore DeleteSession: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────
// Users
// ─────────────────────────────────────────

func (s *FirestoreStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, errUserNotFound
		}
		return nil, fmt.Errorf("firestore GetUser: %w", err)
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetUser decode: %w", err)
	}

	return &models.User{
		ID:        userID,
		Email:     doc.Email,
		FirstName: doc.FirstName,
		LastName:  doc.LastName,
		Country:   doc.Country,
		Role:      models.ParseRole(doc.Role),
		ThreadID:  doc.ThreadID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *FirestoreStorage) UpdateUser(ctx context.Context, userID string, update models.UserUpdate) error {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now().UTC()
	}

	if _, err := s.userDoc(userID).Set(ctx, userFields(update, updatedAt), firestore.MergeAll); err != nil {
		return fmt.Errorf("firestore UpdateUser: %w", err)
	}
	return nil
}

// userFields builds the merge payload for users/{uid}. The role lives
// under "rol", the field existing user documents already carry.
func userFields(update models.UserUpdate, updatedAt time.Time) map[string]interface{} {
	fields := map[string]interface{}{
		"updated_at": updatedAt,
	}
	if update.Email != nil {
		fields["email"] = *update.Email
	}
	if update.FirstName != nil {
		fields["first_name"] = *update.FirstName
	}
	if update.LastName != nil {
		fields["last_name"] = *update.LastName
	}
	if update.Country != nil {
		fields["country"] = *update.Country
	}
	if update.Role != nil {
		fields["rol"] = string(*update.Role)
	}
	if update.ThreadID != nil {
		fields["thread_id"] = *update.ThreadID
	}
	return fields
}

func (s *FirestoreStorage) Ping(ctx context.Context) error {
	iter := s.client.Collection("users").Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
