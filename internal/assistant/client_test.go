package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/functions"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeProvider replays a scripted sequence of run states.
type fakeProvider struct {
	mu sync.Mutex

	threads    map[string]bool
	nextID     int
	messages   []string
	fileIDs    []string
	createErr  error
	messageErr error

	// polls is consumed by RetrieveRun; the last entry repeats.
	polls []RunStatus
	calls [][]ToolCall
	// afterSubmit is the status returned by each SubmitToolOutputs.
	afterSubmit []RunStatus
	submitted   [][]ToolOutput

	reply  string
	remote Definition
	update *Definition
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{threads: map[string]bool{}}
}

func (f *fakeProvider) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("thread_%d", f.nextID)
	f.threads[id] = true
	return id, nil
}

func (f *fakeProvider) RetrieveThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.threads[threadID] {
		return ErrThreadNotFound
	}
	return nil
}

func (f *fakeProvider) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
	return nil
}

func (f *fakeProvider) CreateMessage(_ context.Context, _ string, text string, fileIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageErr != nil {
		return f.messageErr
	}
	f.messages = append(f.messages, text)
	f.fileIDs = append(f.fileIDs, fileIDs...)
	return nil
}

func (f *fakeProvider) ListMessages(_ context.Context, _ string, limit int) ([]ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ThreadMessage
	for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ThreadMessage{ID: "msg", Role: "user", Content: f.messages[i]})
	}
	return out, nil
}

func (f *fakeProvider) LatestAssistantMessage(context.Context, string, string) (string, error) {
	return f.reply, nil
}

func (f *fakeProvider) run(threadID string, status RunStatus) *Run {
	r := &Run{ID: "run_1", ThreadID: threadID, Status: status}
	if status == RunRequiresAction && len(f.calls) > 0 {
		r.PendingCalls = f.calls[0]
		f.calls = f.calls[1:]
	}
	return r
}

func (f *fakeProvider) CreateRun(_ context.Context, threadID string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.run(threadID, RunQueued), nil
}

func (f *fakeProvider) RetrieveRun(_ context.Context, threadID, _ string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return f.run(threadID, status), nil
}

func (f *fakeProvider) SubmitToolOutputs(_ context.Context, threadID, _ string, outputs []ToolOutput) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	status := RunInProgress
	if len(f.afterSubmit) > 0 {
		status = f.afterSubmit[0]
		f.afterSubmit = f.afterSubmit[1:]
	}
	return f.run(threadID, status), nil
}

func (f *fakeProvider) UploadFile(_ context.Context, name string, _ []byte) (string, error) {
	return "file_" + name, nil
}

func (f *fakeProvider) RetrieveAssistant(context.Context) (*Definition, error) {
	def := f.remote
	return &def, nil
}

func (f *fakeProvider) UpdateAssistant(_ context.Context, def Definition) error {
	f.update = &def
	return nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	names []string
}

func (d *fakeDispatcher) Invoke(_ context.Context, name, rawArgs string) functions.Result {
	d.mu.Lock()
	d.names = append(d.names, name)
	d.mu.Unlock()

	switch name {
	case "get_crypto_price":
		return functions.Result{Success: true, Data: map[string]any{"symbol": "BTC", "price_usd": 64000.0}}
	case "get_forex_price":
		return functions.Result{Success: true, Data: map[string]any{"pair": "EUR/USD", "rate": 1.08}}
	default:
		return functions.Result{Success: false, Error: "unknown function: " + name}
	}
}

func (d *fakeDispatcher) Definitions() []functions.Definition {
	return []functions.Definition{
		{Name: functions.GetCryptoPrice},
		{Name: functions.GetForexPrice},
	}
}

func newTestClient(p Provider, d Dispatcher) *Client {
	return NewClient(p, d, Config{
		RunTimeout:   500 * time.Millisecond,
		PollInterval: time.Millisecond,
		Instructions: "be a mentor",
	}, zap.NewNop())
}

func TestSendTurn_Completes(t *testing.T) {
	p := newFakeProvider()
	p.polls = []RunStatus{RunInProgress, RunCancelling, RunCompleted}
	p.reply = "Hello trader"
	c := newTestClient(p, &fakeDispatcher{})

	reply, err := c.SendTurn(context.Background(), "thread_x", "hi", []string{"file_1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello trader", reply.Text)
	assert.Equal(t, "thread_x", reply.ThreadID)
	assert.Equal(t, []string{"hi"}, p.messages)
	assert.Equal(t, []string{"file_1"}, p.fileIDs)
}

func TestSendTurn_ToolCallRoundTrip(t *testing.T) {
	p := newFakeProvider()
	p.polls = []RunStatus{RunRequiresAction, RunCompleted}
	p.calls = [][]ToolCall{{
		{ID: "call_1", Name: "get_crypto_price", Arguments: `{"symbol":"BTC"}`},
		{ID: "call_2", Name: "get_forex_price", Arguments: `{"pair":"EUR/USD"}`},
		{ID: "call_3", Name: "get_weather", Arguments: `{}`},
	}}
	p.reply = "BTC is at 64000 USD"
	d := &fakeDispatcher{}
	c := newTestClient(p, d)

	reply, err := c.SendTurn(context.Background(), "thread_x", "price of BTC?", nil)
	require.NoError(t, err)
	assert.Equal(t, "BTC is at 64000 USD", reply.Text)

	// All outputs go back in a single batch.
	require.Len(t, p.submitted, 1)
	batch := p.submitted[0]
	require.Len(t, batch, 3)
	assert.Equal(t, "call_1", batch[0].CallID)
	assert.Equal(t, "call_2", batch[1].CallID)
	assert.Equal(t, "call_3", batch[2].CallID)

	var out functions.Result
	require.NoError(t, json.Unmarshal([]byte(batch[0].Output), &out))
	assert.True(t, out.Success)

	require.NoError(t, json.Unmarshal([]byte(batch[2].Output), &out))
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unknown function")

	assert.Equal(t, []string{"get_crypto_price", "get_forex_price", "get_weather"}, d.names)
}

func TestSendTurn_MultipleToolRounds(t *testing.T) {
	p := newFakeProvider()
	p.polls = []RunStatus{RunRequiresAction, RunCompleted}
	p.calls = [][]ToolCall{
		{{ID: "call_1", Name: "get_crypto_price", Arguments: `{"symbol":"BTC"}`}},
		{{ID: "call_2", Name: "get_forex_price", Arguments: `{"pair":"EUR/USD"}`}},
	}
	p.afterSubmit = []RunStatus{RunRequiresAction, RunInProgress}
	p.reply = "done"
	c := newTestClient(p, &fakeDispatcher{})

	_, err := c.SendTurn(context.Background(), "thread_x", "compare", nil)
	require.NoError(t, err)
	require.Len(t, p.submitted, 2)
	assert.Equal(t, "call_1", p.submitted[0][0].CallID)
	assert.Equal(t, "call_2", p.submitted[1][0].CallID)
}

func TestSendTurn_TerminalFailure(t *testing.T) {
	for _, status := range []RunStatus{RunFailed, RunCancelled, RunExpired, RunIncomplete} {
		t.Run(string(status), func(t *testing.T) {
			p := newFakeProvider()
			p.polls = []RunStatus{status}
			c := newTestClient(p, &fakeDispatcher{})

			_, err := c.SendTurn(context.Background(), "thread_x", "hi", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrUpstream)
			assert.Contains(t, err.Error(), string(status))
		})
	}
}

func TestSendTurn_Timeout(t *testing.T) {
	p := newFakeProvider()
	p.polls = []RunStatus{RunInProgress}
	c := NewClient(p, &fakeDispatcher{}, Config{
		RunTimeout:   30 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}, zap.NewNop())

	_, err := c.SendTurn(context.Background(), "thread_x", "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstreamTimeout)
}

func TestSendTurn_CallerCancellation(t *testing.T) {
	p := newFakeProvider()
	p.polls = []RunStatus{RunQueued}
	c := newTestClient(p, &fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.SendTurn(ctx, "thread_x", "hi", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSendTurn_ActiveRunConflict(t *testing.T) {
	p := newFakeProvider()
	p.createErr = errors.Join(ErrRunConflict, errors.New("400 bad request"))
	c := newTestClient(p, &fakeDispatcher{})

	_, err := c.SendTurn(context.Background(), "thread_x", "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Contains(t, apperr.PublicMessage(err), "busy")
}

func TestSendTurn_BusyThreadRejectsMessage(t *testing.T) {
	p := newFakeProvider()
	p.messageErr = fmt.Errorf("create message: %w", ErrRunConflict)
	c := newTestClient(p, &fakeDispatcher{})

	_, err := c.SendTurn(context.Background(), "thread_x", "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.ErrorIs(t, err, ErrRunConflict)
	assert.Contains(t, apperr.PublicMessage(err), "busy")
}

func TestThreadLifecycle(t *testing.T) {
	p := newFakeProvider()
	c := newTestClient(p, &fakeDispatcher{})
	ctx := context.Background()

	assert.False(t, c.ThreadExists(ctx, ""))
	assert.False(t, c.ThreadExists(ctx, "thread_missing"))

	id, err := c.CreateThread(ctx)
	require.NoError(t, err)
	assert.True(t, c.ThreadExists(ctx, id))

	require.NoError(t, c.DeleteThread(ctx, id))
	assert.False(t, c.ThreadExists(ctx, id))
}

func TestEnsureDefinition(t *testing.T) {
	t.Run("updates drifted assistant", func(t *testing.T) {
		p := newFakeProvider()
		p.remote = Definition{Model: "gpt-4o", Instructions: "old"}
		c := newTestClient(p, &fakeDispatcher{})

		require.NoError(t, c.EnsureDefinition(context.Background()))
		require.NotNil(t, p.update)
		assert.Equal(t, "gpt-4o", p.update.Model)
		assert.Equal(t, "be a mentor", p.update.Instructions)
		assert.Len(t, p.update.Tools, 2)
	})

	t.Run("leaves matching assistant alone", func(t *testing.T) {
		p := newFakeProvider()
		p.remote = Definition{
			Model:        "gpt-4o",
			Instructions: "be a mentor",
			Tools: []functions.Definition{
				{Name: functions.GetForexPrice},
				{Name: functions.GetCryptoPrice},
			},
		}
		c := newTestClient(p, &fakeDispatcher{})

		require.NoError(t, c.EnsureDefinition(context.Background()))
		assert.Nil(t, p.update)
	})
}

func TestPing(t *testing.T) {
	c := newTestClient(newFakeProvider(), &fakeDispatcher{})
	assert.NoError(t, c.Ping(context.Background()))
}

func TestHistoryAndUpload(t *testing.T) {
	p := newFakeProvider()
	p.messages = []string{"one", "two", "three"}
	c := newTestClient(p, &fakeDispatcher{})

	msgs, err := c.History(context.Background(), "thread_x", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Content)

	id, err := c.Upload(context.Background(), "chart.png", []byte{0x89})
	require.NoError(t, err)
	assert.Equal(t, "file_chart.png", id)
}
