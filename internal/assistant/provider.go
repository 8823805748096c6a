package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/mentor-bot/internal/functions"
)

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether the provider will not move the run any further.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolOutput struct {
	CallID string
	Output string
}

// Run is the provider-side job that produces one assistant reply.
type Run struct {
	ID           string
	ThreadID     string
	Status       RunStatus
	PendingCalls []ToolCall
	LastError    string
}

type ThreadMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Definition is the remote assistant configuration kept in sync with the
// local instructions and function registry.
type Definition struct {
	Model        string
	Instructions string
	Tools        []functions.Definition
}

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrRunConflict    = errors.New("thread already has an active run")
)

// Provider is the hosted assistant API. Implementations return
// ErrThreadNotFound for unknown threads and ErrRunConflict when a thread
// already has a run in flight.
type Provider interface {
	CreateThread(ctx context.Context) (string, error)
	RetrieveThread(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error

	CreateMessage(ctx context.Context, threadID, text string, fileIDs []string) error
	ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
	// LatestAssistantMessage returns the text of the newest assistant
	// message produced by runID.
	LatestAssistantMessage(ctx context.Context, threadID, runID string) (string, error)

	CreateRun(ctx context.Context, threadID string) (*Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)

	UploadFile(ctx context.Context, name string, data []byte) (string, error)

	RetrieveAssistant(ctx context.Context) (*Definition, error)
	UpdateAssistant(ctx context.Context, def Definition) error
}
