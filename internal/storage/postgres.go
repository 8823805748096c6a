package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/xaenox/mentor-bot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ HistoryStore = (*PostgresStorage)(nil)

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("PostgreSQL history store ready",
		zap.String("host", config.Host),
		zap.String("database", config.DBName))

	return storage, nil
}

func (s *PostgresStorage) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.CreatedAt, session.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return session, nil
}

func (s *PostgresStorage) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	query := `
		SELECT s.id, s.user_id, s.created_at, s.last_activity_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
		FROM chat_sessions s
		WHERE s.id = $1 AND s.user_id = $2`

	session := &models.Session{}
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(
		&session.ID,
		&session.UserID,
		&session.CreatedAt,
		&session.LastActivityAt,
		&session.MessageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying session: %w", err)
	}

	return session, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, userID, sessionID string, sender models.Sender, text string, at time.Time) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: at.UTC(),
	}

	// The ownership check and the insert are a single statement.
	query := `
		INSERT INTO chat_messages (id, session_id, sender, text, created_at)
		SELECT $1, s.id, $3, $4, $5
		FROM chat_sessions s
		WHERE s.id = $2 AND s.user_id = $6
		RETURNING seq`

	err := s.db.QueryRowContext(ctx, query,
		msg.ID, sessionID, string(sender), text, msg.CreatedAt, userID,
	).Scan(&msg.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error appending message: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET last_activity_at = GREATEST(last_activity_at, $1)
		WHERE id = $2`, msg.CreatedAt, sessionID)
	if err != nil {
		s.logger.Warn("Failed to touch session activity",
			zap.Error(err),
			zap.String("session_id", sessionID))
	}

	return msg, nil
}

func (s *PostgresStorage) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	query := `
		SELECT s.id, s.user_id, s.created_at, s.last_activity_at,
		       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.id)
		FROM chat_sessions s
		WHERE s.user_id = $1
		ORDER BY s.created_at DESC, s.seq DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session := &models.Session{}
		err := rows.Scan(
			&session.ID,
			&session.UserID,
			&session.CreatedAt,
			&session.LastActivityAt,
			&session.MessageCount,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

func (s *PostgresStorage) ListMessages(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, sender, text, created_at, seq
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var sender string
		err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&sender,
			&msg.Text,
			&msg.CreatedAt,
			&msg.Seq,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msg.Sender = models.Sender(sender)
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *PostgresStorage) DeleteSession(ctx context.Context, userID, sessionID string) error {
	// Messages go with the session through ON DELETE CASCADE.
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return errSessionNotFound
	}

	return nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	query := `
		SELECT id, email, first_name, last_name, country, role, thread_id, created_at, updated_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	var role string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.Country,
		&role,
		&user.ThreadID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user: %w", err)
	}
	user.Role = models.ParseRole(role)

	return user, nil
}

func (s *PostgresStorage) UpdateUser(ctx context.Context, userID string, update models.UserUpdate) error {
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var role *string
	if update.Role != nil {
		r := string(*update.Role)
		role = &r
	}

	query := `
		INSERT INTO users (id, email, first_name, last_name, country, role, thread_id, updated_at)
		VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''),
		        COALESCE($6, 'free'), COALESCE($7, ''), $8)
		ON CONFLICT (id) DO UPDATE SET
			email      = COALESCE($2, users.email),
			first_name = COALESCE($3, users.first_name),
			last_name  = COALESCE($4, users.last_name),
			country    = COALESCE($5, users.country),
			role       = COALESCE($6, users.role),
			thread_id  = COALESCE($7, users.thread_id),
			updated_at = $8`

	_, err := s.db.ExecContext(ctx, query,
		userID,
		nullString(update.Email),
		nullString(update.FirstName),
		nullString(update.LastName),
		nullString(update.Country),
		nullString(role),
		nullString(update.ThreadID),
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("error updating user: %w", err)
	}

	return nil
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
