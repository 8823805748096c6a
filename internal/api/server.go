package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/assistant"
	"github.com/xaenox/mentor-bot/internal/chat"
	"github.com/xaenox/mentor-bot/internal/identity"
	"github.com/xaenox/mentor-bot/internal/models"
	"github.com/xaenox/mentor-bot/internal/ratelimit"
)

type ChatService interface {
	HandleTurn(ctx context.Context, req chat.TurnRequest) (*chat.Reply, error)
	Authenticate(ctx context.Context, header string) (*identity.Principal, error)
	AuthenticatePremium(ctx context.Context, header string) (*identity.Principal, error)

	CreateSession(ctx context.Context, userID string) (*models.Session, error)
	ListHistory(ctx context.Context, userID string) ([]models.SessionWithMessages, error)
	GetSessionMessages(ctx context.Context, userID, sessionID string) (*models.SessionWithMessages, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	DeleteHistory(ctx context.Context, userID string) (int, error)

	ThreadHistory(ctx context.Context, userID string) (string, []assistant.ThreadMessage, error)
	ClearThread(ctx context.Context, userID string) (string, error)
	UploadFile(ctx context.Context, userID, filename string, data []byte) (*models.Attachment, error)
	AnalyzeImage(ctx context.Context, userID string, req chat.ImageAnalysisRequest) (*chat.ImageAnalysisReply, error)

	GetProfile(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, update models.ProfileUpdate) (*models.User, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
	Role(ctx context.Context, userID string) models.Role
}

// HealthCheck is probed by the readiness endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Limits are requests per minute for each route family.
type Limits struct {
	Chat    int
	History int
	Upload  int
	Auth    int
	Default int
}

type Config struct {
	Limits         Limits
	AllowedOrigins []string
	MaxUploadBytes int64
}

type Server struct {
	engine  *gin.Engine
	svc     ChatService
	limiter ratelimit.Limiter
	checks  []HealthCheck
	cfg     Config
	logger  *zap.Logger
}

func NewServer(svc ChatService, limiter ratelimit.Limiter, checks []HealthCheck, cfg Config, logger *zap.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}

	s := &Server{
		engine:  gin.New(),
		svc:     svc,
		limiter: limiter,
		checks:  checks,
		cfg:     cfg,
		logger:  logger,
	}
	s.engine.Use(gin.Recovery(), requestID(), cors(cfg.AllowedOrigins), requestLogger(logger))
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	l := s.cfg.Limits
	chatLimit := s.rateLimit("chat", ratelimit.PerMinute(l.Chat))
	historyLimit := s.rateLimit("history", ratelimit.PerMinute(l.History))
	uploadLimit := s.rateLimit("upload", ratelimit.PerMinute(l.Upload))
	authLimit := s.rateLimit("auth", ratelimit.PerMinute(l.Auth))
	defaultLimit := s.rateLimit("default", ratelimit.PerMinute(l.Default))

	s.engine.GET("/healthz", s.liveness)

	api := s.engine.Group("/api")
	api.GET("/health", s.readiness)

	// The chat turn authorizes itself, premium included.
	api.POST("/assistant/chat", chatLimit, s.handleChat)

	premium := api.Group("", s.authenticatePremium())

	premium.POST("/chats", defaultLimit, s.handleCreateChat)
	premium.GET("/chats", historyLimit, s.handleListChats)
	premium.GET("/chats/:id/messages", historyLimit, s.handleChatMessages)
	premium.DELETE("/chats/:id", defaultLimit, s.handleDeleteChat)
	premium.DELETE("/chats", defaultLimit, s.handleDeleteHistory)

	premium.GET("/assistant/history", historyLimit, s.handleThreadHistory)
	premium.POST("/assistant/clear", defaultLimit, s.handleClearThread)
	premium.POST("/assistant/upload", uploadLimit, s.handleUpload)
	premium.POST("/assistant/analyze-image", chatLimit, s.handleAnalyzeImage)

	// Account routes stay open to every signed-in role.
	account := api.Group("/user", s.authenticate())

	account.GET("/profile", defaultLimit, s.handleGetProfile)
	account.PUT("/profile", defaultLimit, s.handleUpdateProfile)
	account.POST("/password", authLimit, s.handleChangePassword)
	account.GET("/role", defaultLimit, s.handleRole)
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for _, hc := range s.checks {
		if err := hc.Check(ctx); err != nil {
			s.logger.Warn("Health check failed", zap.String("check", hc.Name), zap.Error(err))
			results[hc.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[hc.Name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": results})
}
