package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/assistant"
	"github.com/xaenox/mentor-bot/internal/functions"
	"github.com/xaenox/mentor-bot/internal/identity"
	"github.com/xaenox/mentor-bot/internal/models"
	"github.com/xaenox/mentor-bot/internal/storage"
)

type Authorizer interface {
	Authorize(ctx context.Context, header string) (*identity.Principal, error)
	AuthorizePremium(ctx context.Context, header string) (*identity.Principal, error)
	Role(ctx context.Context, userID string) models.Role
}

type Assistant interface {
	SendTurn(ctx context.Context, threadID, text string, fileIDs []string) (*assistant.Reply, error)
	History(ctx context.Context, threadID string, limit int) ([]assistant.ThreadMessage, error)
	Upload(ctx context.Context, name string, data []byte) (string, error)
}

// Tools runs assistant functions directly, outside of a run.
type Tools interface {
	Invoke(ctx context.Context, name string, rawArgs string) functions.Result
}

type ThreadResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
	Reset(ctx context.Context, userID string) (string, error)
}

type Retention interface {
	Run(ctx context.Context, userID string)
}

type PasswordChanger interface {
	ChangePassword(ctx context.Context, userID, password string) error
}

type Config struct {
	MaxMessageLength   int
	AllowedExtensions  []string
	MaxFileSize        int64
	ThreadHistoryLimit int
}

// attachmentPrompt is sent when a turn carries files but no text.
const attachmentPrompt = "Please analyze the attached file."

// Service orchestrates a user turn across identity, history, thread
// binding, the assistant run and retention.
type Service struct {
	auth      Authorizer
	store     storage.HistoryStore
	threads   ThreadResolver
	assistant Assistant
	tools     Tools
	retention Retention
	passwords PasswordChanger
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(
	auth Authorizer,
	store storage.HistoryStore,
	threads ThreadResolver,
	assistantClient Assistant,
	tools Tools,
	retention Retention,
	passwords PasswordChanger,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{"png", "jpg", "jpeg", "gif", "webp"}
	}
	if cfg.ThreadHistoryLimit <= 0 {
		cfg.ThreadHistoryLimit = 50
	}
	return &Service{
		auth:      auth,
		store:     store,
		threads:   threads,
		assistant: assistantClient,
		tools:     tools,
		retention: retention,
		passwords: passwords,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type TurnRequest struct {
	Credential string
	Text       string
	SessionID  string
	FileIDs    []string
}

type Reply struct {
	Text      string `json:"response"`
	SessionID string `json:"chat_id"`
	ThreadID  string `json:"thread_id"`
	CreatedAt string `json:"created_at"`
}

// HandleTurn runs one user turn end to end. Writes made before a failure
// are kept.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*Reply, error) {
	p, err := s.auth.AuthorizePremium(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("user_id", p.UserID))

	if err := validateMessage(req.Text, s.cfg.MaxMessageLength, len(req.FileIDs) > 0); err != nil {
		return nil, err
	}

	session, err := s.resolveSession(ctx, p.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("session_id", session.ID))

	if _, err := s.store.AppendMessage(ctx, p.UserID, session.ID, models.SenderUser, req.Text, s.now().UTC()); err != nil {
		log.Error("Failed to save user message", zap.Error(err))
		return nil, fmt.Errorf("save user message: %w", err)
	}

	threadID, err := s.threads.Resolve(ctx, p.UserID)
	if err != nil {
		log.Error("Failed to resolve thread", zap.Error(err))
		return nil, err
	}

	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = attachmentPrompt
	}
	reply, err := s.assistant.SendTurn(ctx, threadID, text, req.FileIDs)
	if err != nil {
		log.Error("Assistant turn failed", zap.String("thread_id", threadID), zap.Error(err))
		return nil, err
	}

	botMsg, err := s.store.AppendMessage(ctx, p.UserID, session.ID, models.SenderBot, reply.Text, s.now().UTC())
	if err != nil {
		log.Error("Failed to save assistant message", zap.Error(err))
		return nil, fmt.Errorf("save assistant message: %w", err)
	}

	s.retention.Run(ctx, p.UserID)

	log.Info("Turn completed", zap.String("thread_id", threadID), zap.String("run_id", reply.RunID))
	return &Reply{
		Text:      reply.Text,
		SessionID: session.ID,
		ThreadID:  threadID,
		CreatedAt: botMsg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *Service) resolveSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		return s.store.GetSession(ctx, userID, sessionID)
	}
	session, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Authenticate verifies a bearer credential for the account operations.
func (s *Service) Authenticate(ctx context.Context, header string) (*identity.Principal, error) {
	return s.auth.Authorize(ctx, header)
}

// AuthenticatePremium verifies a bearer credential and requires the
// premium role.
func (s *Service) AuthenticatePremium(ctx context.Context, header string) (*identity.Principal, error) {
	return s.auth.AuthorizePremium(ctx, header)
}

func (s *Service) CreateSession(ctx context.Context, userID string) (*models.Session, error) {
	session, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.retention.Run(ctx, userID)
	return session, nil
}

// ListHistory returns the user's sessions newest first, each with its
// messages oldest first.
func (s *Service) ListHistory(ctx context.Context, userID string) ([]models.SessionWithMessages, error) {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]models.SessionWithMessages, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, session := range sessions {
		i, session := i, session
		g.Go(func() error {
			msgs, err := s.store.ListMessages(gctx, userID, session.ID)
			if err != nil {
				return fmt.Errorf("list messages of %s: %w", session.ID, err)
			}
			out[i] = models.SessionWithMessages{Session: session, Messages: msgs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetSessionMessages(ctx context.Context, userID, sessionID string) (*models.SessionWithMessages, error) {
	session, err := s.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.SessionWithMessages{Session: session, Messages: msgs}, nil
}

func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := s.store.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	s.logger.Info("Chat deleted", zap.String("user_id", userID), zap.String("session_id", sessionID))
	return nil
}

// DeleteHistory removes every session of the user and reports how many
// were deleted.
func (s *Service) DeleteHistory(ctx context.Context, userID string) (int, error) {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	deleted := 0
	for _, session := range sessions {
		if err := s.store.DeleteSession(ctx, userID, session.ID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete session %s: %w", session.ID, err)
		}
		deleted++
	}

	s.logger.Info("Chat history deleted", zap.String("user_id", userID), zap.Int("sessions", deleted))
	return deleted, nil
}

// ThreadHistory lists the provider-side messages of the user's bound
// thread. A user without a thread has an empty history.
func (s *Service) ThreadHistory(ctx context.Context, userID string) (string, []assistant.ThreadMessage, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", []assistant.ThreadMessage{}, nil
		}
		return "", nil, fmt.Errorf("load user: %w", err)
	}
	if user.ThreadID == "" {
		return "", []assistant.ThreadMessage{}, nil
	}

	msgs, err := s.assistant.History(ctx, user.ThreadID, s.cfg.ThreadHistoryLimit)
	if err != nil {
		return "", nil, err
	}
	return user.ThreadID, msgs, nil
}

func (s *Service) ClearThread(ctx context.Context, userID string) (string, error) {
	return s.threads.Reset(ctx, userID)
}

func (s *Service) UploadFile(ctx context.Context, userID, filename string, data []byte) (*models.Attachment, error) {
	ext, err := validateUpload(filename, int64(len(data)), s.cfg.AllowedExtensions, s.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}

	fileID, err := s.assistant.Upload(ctx, filename, data)
	if err != nil {
		s.logger.Error("File upload failed", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	return &models.Attachment{
		FileID:      fileID,
		Filename:    filename,
		ContentType: models.ContentTypeForExtension(ext),
		Size:        int64(len(data)),
	}, nil
}

// GetProfile returns the user's record, or an empty free profile when
// none has been written yet.
func (s *Service) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &models.User{ID: userID, Role: models.RoleFree}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (*models.User, error) {
	if err := validateProfile(update); err != nil {
		return nil, err
	}

	err := s.store.UpdateUser(ctx, userID, models.UserUpdate{
		FirstName: update.FirstName,
		LastName:  update.LastName,
		Country:   update.Country,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetProfile(ctx, userID)
}

// ChangePassword validates the new password and sets it on the identity
// provider account.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(current, next); err != nil {
		return err
	}
	if err := s.passwords.ChangePassword(ctx, userID, next); err != nil {
		s.logger.Error("Password change failed", zap.String("user_id", userID), zap.Error(err))
		return apperr.Wrap(apperr.KindUpstream, "could not change password", err)
	}
	s.logger.Info("Password changed", zap.String("user_id", userID))
	return nil
}

func (s *Service) Role(ctx context.Context, userID string) models.Role {
	return s.auth.Role(ctx, userID)
}

type ImageAnalysisRequest struct {
	ImageURL     string `json:"image_url"`
	AnalysisType string `json:"analysis_type"`
	Prompt       string `json:"prompt"`
}

type ImageAnalysisReply struct {
	Analysis          string `json:"analysis"`
	AssistantAnalysis string `json:"assistant_analysis,omitempty"`
	ImageURL          string `json:"image_url"`
	AnalysisType      string `json:"analysis_type"`
}

// AnalyzeImage runs the chart analysis function directly. With a prompt the
// image is also discussed in the user's thread; that follow-up is best
// effort and its failure only drops AssistantAnalysis.
func (s *Service) AnalyzeImage(ctx context.Context, userID string, req ImageAnalysisRequest) (*ImageAnalysisReply, error) {
	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL == "" {
		return nil, apperr.Validation("image_url is required")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt != "" {
		if err := validateMessage(prompt, s.cfg.MaxMessageLength, false); err != nil {
			return nil, err
		}
	}
	mode := functions.ParseAnalysisMode(req.AnalysisType)
	log := s.logger.With(zap.String("user_id", userID), zap.String("analysis_type", string(mode)))

	args, err := json.Marshal(map[string]string{
		"image_url":     imageURL,
		"analysis_type": string(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("encode analysis arguments: %w", err)
	}

	res := s.tools.Invoke(ctx, string(functions.AnalyzeImage), string(args))
	if !res.Success {
		log.Error("Image analysis failed", zap.String("reason", res.Error))
		return nil, apperr.Wrap(apperr.KindUpstream, "image analysis failed", errors.New(res.Error))
	}
	analysis, ok := res.Data.(*functions.ImageAnalysis)
	if !ok {
		return nil, fmt.Errorf("unexpected image analysis result %T", res.Data)
	}

	reply := &ImageAnalysisReply{
		Analysis:     analysis.Analysis,
		ImageURL:     imageURL,
		AnalysisType: string(mode),
	}
	if prompt == "" {
		return reply, nil
	}

	threadID, err := s.threads.Resolve(ctx, userID)
	if err != nil {
		log.Warn("Skipping assistant follow-up: no thread", zap.Error(err))
		return reply, nil
	}
	text := fmt.Sprintf("Analyze this image: %s\n\nAdditional prompt: %s", imageURL, prompt)
	turn, err := s.assistant.SendTurn(ctx, threadID, text, nil)
	if err != nil {
		log.Warn("Assistant follow-up failed", zap.String("thread_id", threadID), zap.Error(err))
		return reply, nil
	}
	reply.AssistantAnalysis = turn.Text
	return reply, nil
}
