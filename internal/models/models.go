package models

import "time"

type Role string

const (
	RoleFree    Role = "free"
	RolePremium Role = "premium"
)

// ParseRole maps a stored role value onto a known role. Anything
// unrecognized is treated as free.
func ParseRole(s string) Role {
	if Role(s) == RolePremium {
		return RolePremium
	}
	return RoleFree
}

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// User represents an application user and the assistant thread currently
// bound to them
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Country   string    `json:"country"`
	Role      Role      `json:"role"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserUpdate is a partial update merged into a user record. Nil fields are
// left untouched.
type UserUpdate struct {
	Email     *string
	FirstName *string
	LastName  *string
	Country   *string
	Role      *Role
	ThreadID  *string
	UpdatedAt time.Time
}

// Session is one locally persisted conversation
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
}

// Message is an immutable entry of a session
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"-"`
}

// SessionWithMessages is a session together with its ordered messages
type SessionWithMessages struct {
	Session  *Session   `json:"session"`
	Messages []*Message `json:"messages"`
}

// ProfileUpdate carries the user-editable profile fields. Nil fields are
// left unchanged.
type ProfileUpdate struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Country   *string `json:"country"`
}
