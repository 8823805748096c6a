package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/functions"
)

// OpenAIProvider drives the OpenAI Assistants API through go-openai.
type OpenAIProvider struct {
	client      *openai.Client
	assistantID string
	logger      *zap.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(client *openai.Client, assistantID string, logger *zap.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		client:      client,
		assistantID: assistantID,
		logger:      logger,
	}
}

// mapError folds provider API errors onto the port's sentinels.
func mapError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusNotFound && strings.Contains(op, "thread"):
			return fmt.Errorf("%s: %w", op, ErrThreadNotFound)
		case isRunConflict(apiErr.Message):
			return fmt.Errorf("%s: %w: %s", op, ErrRunConflict, apiErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isRunConflict matches both wordings of a busy thread: "already has an
// active run" from run creation and "while a run ... is active" from
// message creation.
func isRunConflict(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "active run") ||
		(strings.Contains(msg, "while a run") && strings.Contains(msg, "is active"))
}

func (p *OpenAIProvider) CreateThread(ctx context.Context) (string, error) {
	thread, err := p.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", mapError("create thread", err)
	}
	return thread.ID, nil
}

func (p *OpenAIProvider) RetrieveThread(ctx context.Context, threadID string) error {
	if _, err := p.client.RetrieveThread(ctx, threadID); err != nil {
		return mapError("retrieve thread", err)
	}
	return nil
}

func (p *OpenAIProvider) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := p.client.DeleteThread(ctx, threadID); err != nil {
		return mapError("delete thread", err)
	}
	return nil
}

func (p *OpenAIProvider) CreateMessage(ctx context.Context, threadID, text string, fileIDs []string) error {
	req := openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: text,
	}
	for _, id := range fileIDs {
		req.Attachments = append(req.Attachments, openai.ThreadAttachment{
			FileID: id,
			Tools:  []openai.ThreadAttachmentTool{{Type: string(openai.AssistantToolTypeCodeInterpreter)}},
		})
	}

	if _, err := p.client.CreateMessage(ctx, threadID, req); err != nil {
		return mapError("create message", err)
	}
	return nil
}

func messageText(msg openai.Message) string {
	var parts []string
	for _, c := range msg.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *OpenAIProvider) ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	order := "desc"
	list, err := p.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, mapError("list thread messages", err)
	}

	out := make([]ThreadMessage, 0, len(list.Messages))
	for _, msg := range list.Messages {
		out = append(out, ThreadMessage{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   messageText(msg),
			CreatedAt: time.Unix(int64(msg.CreatedAt), 0).UTC(),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) LatestAssistantMessage(ctx context.Context, threadID, runID string) (string, error) {
	limit := 10
	order := "desc"
	list, err := p.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", mapError("list run messages", err)
	}

	for _, msg := range list.Messages {
		if msg.Role == string(openai.ThreadMessageRoleAssistant) {
			return messageText(msg), nil
		}
	}
	return "", fmt.Errorf("run %s produced no assistant message", runID)
}

func toRun(threadID string, r openai.Run) *Run {
	run := &Run{
		ID:       r.ID,
		ThreadID: threadID,
		Status:   RunStatus(r.Status),
	}
	if r.LastError != nil {
		run.LastError = r.LastError.Message
	}
	if r.RequiredAction != nil && r.RequiredAction.SubmitToolOutputs != nil {
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.PendingCalls = append(run.PendingCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return run
}

func (p *OpenAIProvider) CreateRun(ctx context.Context, threadID string) (*Run, error) {
	r, err := p.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: p.assistantID})
	if err != nil {
		return nil, mapError("create run", err)
	}
	return toRun(threadID, r), nil
}

func (p *OpenAIProvider) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	r, err := p.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return nil, mapError("retrieve run", err)
	}
	return toRun(threadID, r), nil
}

func (p *OpenAIProvider) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	req := openai.SubmitToolOutputsRequest{
		ToolOutputs: make([]openai.ToolOutput, 0, len(outputs)),
	}
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{
			ToolCallID: o.CallID,
			Output:     o.Output,
		})
	}

	r, err := p.client.SubmitToolOutputs(ctx, threadID, runID, req)
	if err != nil {
		return nil, mapError("submit tool outputs", err)
	}
	return toRun(threadID, r), nil
}

func (p *OpenAIProvider) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", mapError("upload file", err)
	}

	p.logger.Info("File uploaded", zap.String("file_id", file.ID), zap.String("name", name))
	return file.ID, nil
}

func (p *OpenAIProvider) RetrieveAssistant(ctx context.Context) (*Definition, error) {
	a, err := p.client.RetrieveAssistant(ctx, p.assistantID)
	if err != nil {
		return nil, mapError("retrieve assistant", err)
	}

	def := &Definition{Model: a.Model}
	if a.Instructions != nil {
		def.Instructions = *a.Instructions
	}
	for _, tool := range a.Tools {
		if tool.Type != openai.AssistantToolTypeFunction || tool.Function == nil {
			continue
		}
		params, _ := tool.Function.Parameters.(map[string]any)
		def.Tools = append(def.Tools, functions.Definition{
			Name:        functions.Name(tool.Function.Name),
			Description: tool.Function.Description,
			Parameters:  params,
		})
	}
	return def, nil
}

func (p *OpenAIProvider) UpdateAssistant(ctx context.Context, def Definition) error {
	instructions := def.Instructions
	req := openai.AssistantRequest{
		Model:        def.Model,
		Instructions: &instructions,
		Tools:        make([]openai.AssistantTool, 0, len(def.Tools)),
	}
	for _, t := range def.Tools {
		req.Tools = append(req.Tools, openai.AssistantTool{
			Type: openai.AssistantToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(t.Name),
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if _, err := p.client.ModifyAssistant(ctx, p.assistantID, req); err != nil {
		return mapError("update assistant", err)
	}
	return nil
}
