package identity

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/auth"
)

// FirebaseVerifier checks Firebase ID tokens.
type FirebaseVerifier struct {
	client *auth.Client
}

var _ Verifier = (*FirebaseVerifier)(nil)

func NewFirebaseVerifier(client *auth.Client) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func isClockSkew(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "used too early") ||
		strings.Contains(msg, "future timestamp") ||
		strings.Contains(msg, "clock")
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	tok, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		if isClockSkew(err) {
			return nil, fmt.Errorf("%w: %v", ErrClockSkew, err)
		}
		return nil, err
	}

	email, _ := tok.Claims["email"].(string)
	return &Claims{UserID: tok.UID, Email: email}, nil
}

// FirebasePasswords changes account passwords through the Admin API.
type FirebasePasswords struct {
	client *auth.Client
}

func NewFirebasePasswords(client *auth.Client) *FirebasePasswords {
	return &FirebasePasswords{client: client}
}

func (p *FirebasePasswords) ChangePassword(ctx context.Context, userID, password string) error {
	params := (&auth.UserToUpdate{}).Password(password)
	if _, err := p.client.UpdateUser(ctx, userID, params); err != nil {
		return fmt.Errorf("update firebase user: %w", err)
	}
	return nil
}
