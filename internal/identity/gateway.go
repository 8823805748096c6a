package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/models"
	"github.com/xaenox/mentor-bot/internal/storage"
)

// ErrClockSkew marks verification failures caused by the token being
// issued slightly in the verifier's future. Such failures are retried.
var ErrClockSkew = errors.New("token clock skew")

type Claims struct {
	UserID string
	Email  string
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   models.Role
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

type RoleSource interface {
	RoleOf(ctx context.Context, userID string) (models.Role, error)
}

// StoreRoles reads the role from the user record.
type StoreRoles struct {
	users storage.UserStorage
}

func NewStoreRoles(users storage.UserStorage) *StoreRoles {
	return &StoreRoles{users: users}
}

func (s *StoreRoles) RoleOf(ctx context.Context, userID string) (models.Role, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.RoleFree, nil
		}
		return models.RoleFree, err
	}
	return user.Role, nil
}

type Gateway struct {
	verifier   Verifier
	roles      RoleSource
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewGateway(verifier Verifier, roles RoleSource, retryDelay time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		verifier:   verifier,
		roles:      roles,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authorize verifies a "Bearer <token>" header.
func (g *Gateway) Authorize(ctx context.Context, header string) (*Principal, error) {
	token, ok := bearerToken(header)
	if !ok {
		return nil, apperr.Unauthorized("missing or malformed authorization header")
	}

	claims, err := g.verifier.Verify(ctx, token)
	if errors.Is(err, ErrClockSkew) {
		g.logger.Info("Token clock skew, retrying verification", zap.Duration("delay", g.retryDelay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.retryDelay):
		}
		claims, err = g.verifier.Verify(ctx, token)
	}
	if err != nil {
		g.logger.Info("Token rejected", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid token", err)
	}

	return &Principal{UserID: claims.UserID, Email: claims.Email, Role: models.RoleFree}, nil
}

// AuthorizePremium additionally requires the caller to hold the premium
// role. A failed role lookup counts as free.
func (g *Gateway) AuthorizePremium(ctx context.Context, header string) (*Principal, error) {
	p, err := g.Authorize(ctx, header)
	if err != nil {
		return nil, err
	}

	p.Role = g.Role(ctx, p.UserID)
	if p.Role != models.RolePremium {
		return nil, apperr.Forbidden("a premium account is required to chat with the assistant")
	}
	return p, nil
}

// Role looks up the caller's role, defaulting to free.
func (g *Gateway) Role(ctx context.Context, userID string) models.Role {
	role, err := g.roles.RoleOf(ctx, userID)
	if err != nil {
		g.logger.Warn("Role lookup failed", zap.String("user_id", userID), zap.Error(err))
		return models.RoleFree
	}
	return role
}
