package assistant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/functions"
)

// Dispatcher executes the functions the assistant asks for.
type Dispatcher interface {
	Invoke(ctx context.Context, name string, rawArgs string) functions.Result
	Definitions() []functions.Definition
}

type Config struct {
	RunTimeout   time.Duration
	PollInterval time.Duration
	Instructions string
}

type Reply struct {
	Text     string
	ThreadID string
	RunID    string
}

// Client runs assistant turns against a provider thread and resolves the
// tool calls the run stops on.
type Client struct {
	provider   Provider
	dispatcher Dispatcher
	cfg        Config
	logger     *zap.Logger
}

func NewClient(provider Provider, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Client {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{
		provider:   provider,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

func upstream(msg string, err error) error {
	if errors.Is(err, ErrRunConflict) {
		return apperr.Wrap(apperr.KindUpstream, "conversation busy: a previous reply is still being generated", err)
	}
	return apperr.Wrap(apperr.KindUpstream, msg, err)
}

// ThreadExists probes the provider. Any failure counts as absent.
func (c *Client) ThreadExists(ctx context.Context, threadID string) bool {
	if threadID == "" {
		return false
	}
	if err := c.provider.RetrieveThread(ctx, threadID); err != nil {
		if !errors.Is(err, ErrThreadNotFound) {
			c.logger.Warn("Thread probe failed", zap.String("thread_id", threadID), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	id, err := c.provider.CreateThread(ctx)
	if err != nil {
		return "", upstream("could not start a conversation", err)
	}
	c.logger.Info("Thread created", zap.String("thread_id", id))
	return id, nil
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.provider.DeleteThread(ctx, threadID); err != nil {
		return upstream("could not delete conversation", err)
	}
	c.logger.Info("Thread deleted", zap.String("thread_id", threadID))
	return nil
}

// SendTurn appends text to the thread, starts a run and waits for the
// assistant reply.
func (c *Client) SendTurn(ctx context.Context, threadID, text string, fileIDs []string) (*Reply, error) {
	log := c.logger.With(zap.String("thread_id", threadID))

	if err := c.provider.CreateMessage(ctx, threadID, text, fileIDs); err != nil {
		return nil, upstream("could not send message to assistant", err)
	}

	run, err := c.provider.CreateRun(ctx, threadID)
	if err != nil {
		return nil, upstream("could not start assistant run", err)
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Debug("Run started", zap.String("status", string(run.Status)))

	run, err = c.wait(ctx, threadID, run, log)
	if err != nil {
		return nil, err
	}

	if run.Status != RunCompleted {
		log.Warn("Run ended without a reply",
			zap.String("status", string(run.Status)),
			zap.String("last_error", run.LastError))
		return nil, apperr.New(apperr.KindUpstream, fmt.Sprintf("assistant run ended with status %s", run.Status))
	}

	reply, err := c.provider.LatestAssistantMessage(ctx, threadID, run.ID)
	if err != nil {
		return nil, upstream("could not read assistant reply", err)
	}

	return &Reply{Text: reply, ThreadID: threadID, RunID: run.ID}, nil
}

// wait polls the run until it reaches a terminal status, resolving tool
// calls whenever it stops on requires_action.
func (c *Client) wait(ctx context.Context, threadID string, run *Run, log *zap.Logger) (*Run, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var err error
	for {
		if run.Status.Terminal() {
			return run, nil
		}

		if run.Status == RunRequiresAction {
			run, err = c.resolveToolCalls(runCtx, threadID, run, log)
			if err != nil {
				return nil, c.runError(ctx, runCtx, "could not submit tool outputs", err)
			}
			continue
		}

		select {
		case <-runCtx.Done():
			return nil, c.runError(ctx, runCtx, "", runCtx.Err())
		case <-ticker.C:
		}

		run, err = c.provider.RetrieveRun(runCtx, threadID, run.ID)
		if err != nil {
			return nil, c.runError(ctx, runCtx, "could not poll assistant run", err)
		}
	}
}

// runError tells a caller cancellation apart from the run deadline.
func (c *Client) runError(ctx, runCtx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		return apperr.Wrap(apperr.KindUpstreamTimeout, "assistant did not reply in time", err)
	}
	return upstream(msg, err)
}

func (c *Client) resolveToolCalls(ctx context.Context, threadID string, run *Run, log *zap.Logger) (*Run, error) {
	if len(run.PendingCalls) == 0 {
		return nil, errors.New("run requires action but lists no tool calls")
	}

	outputs := make([]ToolOutput, 0, len(run.PendingCalls))
	for _, call := range run.PendingCalls {
		result := c.dispatcher.Invoke(ctx, call.Name, call.Arguments)
		outputs = append(outputs, ToolOutput{CallID: call.ID, Output: result.JSON()})
	}

	log.Info("Submitting tool outputs", zap.Int("calls", len(outputs)))
	return c.provider.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
}

// History lists the newest provider-side messages of the thread.
func (c *Client) History(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	msgs, err := c.provider.ListMessages(ctx, threadID, limit)
	if err != nil {
		return nil, upstream("could not load conversation", err)
	}
	return msgs, nil
}

func (c *Client) Upload(ctx context.Context, name string, data []byte) (string, error) {
	id, err := c.provider.UploadFile(ctx, name, data)
	if err != nil {
		return "", upstream("could not upload file", err)
	}
	return id, nil
}

func toolNames(defs []functions.Definition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, string(d.Name))
	}
	sort.Strings(names)
	return names
}

func sameTools(a, b []functions.Definition) bool {
	an, bn := toolNames(a), toolNames(b)
	if len(an) != len(bn) {
		return false
	}
	for i := range an {
		if an[i] != bn[i] {
			return false
		}
	}
	return true
}

// EnsureDefinition pushes the local instructions and function schemas to
// the remote assistant when they have drifted.
func (c *Client) EnsureDefinition(ctx context.Context) error {
	remote, err := c.provider.RetrieveAssistant(ctx)
	if err != nil {
		return fmt.Errorf("retrieve assistant: %w", err)
	}

	local := Definition{
		Model:        remote.Model,
		Instructions: c.cfg.Instructions,
		Tools:        c.dispatcher.Definitions(),
	}
	if local.Instructions == "" {
		local.Instructions = remote.Instructions
	}

	if local.Instructions == remote.Instructions && sameTools(local.Tools, remote.Tools) {
		c.logger.Info("Assistant definition up to date", zap.String("model", remote.Model))
		return nil
	}

	if err := c.provider.UpdateAssistant(ctx, local); err != nil {
		return fmt.Errorf("update assistant: %w", err)
	}
	c.logger.Info("Assistant definition updated", zap.Strings("tools", toolNames(local.Tools)))
	return nil
}

// Ping checks that the configured assistant is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.provider.RetrieveAssistant(ctx); err != nil {
		return upstream("assistant unreachable", err)
	}
	return nil
}
