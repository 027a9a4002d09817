package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/flowlog"
)

// scriptedLLM serves /api/chat from a queue of canned replies.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []Message
	requests []chatRequest
	status   int
}

func (s *scriptedLLM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req chatRequest
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	var reply Message
	if len(s.replies) > 0 {
		reply = s.replies[0]
		s.replies = s.replies[1:]
	} else {
		reply = Message{Role: "assistant", Content: "out of script"}
	}
	status := s.status
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "model exploded", status)
		return
	}
	_ = json.NewEncoder(w).Encode(chatResponse{Message: reply, Done: true})
}

func (s *scriptedLLM) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) chatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// echoTool records its calls and returns canned output.
type echoTool struct {
	mu     sync.Mutex
	calls  []map[string]any
	output string
	err    error
}

func (e *echoTool) Name() string { return SearchToolName }

func (e *echoTool) Definition() ToolDef {
	return ToolDef{Type: "function", Function: ToolFunction{Name: SearchToolName}}
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, args)
	return e.output, e.err
}

func (e *echoTool) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

// captureSink collects flow log output for inspection after Close.
type captureSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *captureSink) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// newCapturedAgent is newTestAgent with the flow log kept readable.
func newCapturedAgent(t *testing.T, llm *scriptedLLM, tool Tool) (*Agent, *flowlog.Logger, *captureSink) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(llm.handler))
	t.Cleanup(server.Close)

	chat := NewOllamaChat(ChatConfig{Host: server.URL, Model: "test-model", Timeout: 5 * time.Second})
	t.Cleanup(func() { _ = chat.Close() })

	sink := &captureSink{}
	flow := flowlog.NewWriter(sink, flowlog.DetailVerbose)
	return NewAgent(chat, NewRegistry(tool), flow, "test-kb", "a test corpus"), flow, sink
}

func newTestAgent(t *testing.T, llm *scriptedLLM, tool Tool) (*Agent, *flowlog.Logger) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(llm.handler))
	t.Cleanup(server.Close)

	chat := NewOllamaChat(ChatConfig{Host: server.URL, Model: "test-model", Timeout: 5 * time.Second})
	t.Cleanup(func() { _ = chat.Close() })

	flow := flowlog.NewWriter(discardSink{}, flowlog.DetailNormal)
	t.Cleanup(func() { _ = flow.Close() })

	var tools *Registry
	if tool != nil {
		tools = NewRegistry(tool)
	} else {
		tools = NewRegistry()
	}
	return NewAgent(chat, tools, flow, "test-kb", "a test corpus"), flow
}

func toolCallReply(query string) Message {
	return Message{
		Role: "assistant",
		ToolCalls: []ToolCall{{
			Function: ToolCallFunction{
				Name:      SearchToolName,
				Arguments: map[string]any{"query": query},
			},
		}},
	}
}

func TestChat_GreetingShortCircuit(t *testing.T) {
	llm := &scriptedLLM{}
	a, _ := newTestAgent(t, llm, nil)

	for _, greeting := range []string{"hi", "Hello!", "你好", "  hey  "} {
		answer, err := a.Chat(context.Background(), "s1", greeting)
		require.NoError(t, err)
		assert.NotEmpty(t, answer)
	}
	assert.Equal(t, 0, llm.requestCount(), "greetings must not reach the LLM")
}

func TestChat_PlainAnswerWithoutTools(t *testing.T) {
	llm := &scriptedLLM{replies: []Message{
		{Role: "assistant", Content: "A direct answer."},
	}}
	a, _ := newTestAgent(t, llm, &echoTool{})

	answer, err := a.Chat(context.Background(), "s1", "just answer this")
	require.NoError(t, err)
	assert.Equal(t, "A direct answer.", answer)
	require.Equal(t, 1, llm.requestCount())

	req := llm.request(0)
	require.NotEmpty(t, req.Messages)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "test-kb")
	assert.Contains(t, req.Messages[0].Content, "search_knowledge_base")
	assert.NotEmpty(t, req.Tools, "tools must be advertised")
	assert.False(t, req.Stream)
}

func TestChat_ToolLoop(t *testing.T) {
	llm := &scriptedLLM{replies: []Message{
		toolCallReply("warehouse location"),
		{Role: "assistant", Content: "According to [1], the warehouse is in Osaka."},
	}}
	tool := &echoTool{output: "Found 1 relevant passages:\n\n[1] (source: facts.txt, score: 0.812)\nThe warehouse moved to Osaka."}
	a, _ := newTestAgent(t, llm, tool)

	answer, err := a.Chat(context.Background(), "s1", "where is the warehouse?")
	require.NoError(t, err)
	assert.Contains(t, answer, "Osaka")
	assert.Equal(t, 1, tool.callCount())
	require.Equal(t, 2, llm.requestCount())

	// The second request must carry the tool output back to the model.
	second := llm.request(1)
	var sawToolMessage bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "Osaka") {
			sawToolMessage = true
		}
	}
	assert.True(t, sawToolMessage)
}

func TestChat_FlowRecordsStepStatuses(t *testing.T) {
	llm := &scriptedLLM{replies: []Message{
		toolCallReply("warehouse location"),
		{Role: "assistant", Content: "According to [1], the warehouse is in Osaka."},
	}}
	tool := &echoTool{output: "[1] The warehouse moved to Osaka."}
	a, flow, sink := newCapturedAgent(t, llm, tool)

	_, err := a.Chat(context.Background(), "s1", "where is the warehouse?")
	require.NoError(t, err)
	require.NoError(t, flow.Close())

	out := sink.String()
	assert.Contains(t, out, "Status: SUCCESS")

	events, err := flowlog.Parse(strings.NewReader(out))
	require.NoError(t, err)
	statuses := map[flowlog.EventType]flowlog.Status{}
	for _, ev := range events {
		statuses[ev.Type] = ev.Status
	}
	assert.Equal(t, flowlog.StatusInProgress, statuses[flowlog.EventQueryStart])
	assert.Equal(t, flowlog.StatusSuccess, statuses[flowlog.EventToolExecution])
	assert.Equal(t, flowlog.StatusSuccess, statuses[flowlog.EventQueryComplete])
}

func TestChat_FlowMarksFailedToolExecution(t *testing.T) {
	llm := &scriptedLLM{replies: []Message{
		toolCallReply("anything"),
		{Role: "assistant", Content: "I could not search the knowledge base."},
	}}
	tool := &echoTool{err: rerrors.VectorStore("qdrant down", nil)}
	a, flow, sink := newCapturedAgent(t, llm, tool)

	_, err := a.Chat(context.Background(), "s1", "look this up")
	require.NoError(t, err)
	require.NoError(t, flow.Close())

	events, err := flowlog.Parse(strings.NewReader(sink.String()))
	require.NoError(t, err)
	var execution *flowlog.Event
	for i, ev := range events {
		if ev.Type == flowlog.EventToolExecution {
			execution = &events[i]
		}
	}
	require.NotNil(t, execution)
	assert.Equal(t, flowlog.StatusError, execution.Status)
	assert.Contains(t, execution.Detail["error"], "qdrant down")
}

func TestChat_ToolBudgetEnforced(t *testing.T) {
	// The model asks for a tool on every turn; after MaxToolCalls the
	// agent stops advertising tools and the scripted fallback answers.
	var replies []Message
	for i := 0; i < MaxToolCalls; i++ {
		replies = append(replies, toolCallReply("again"))
	}
	replies = append(replies, Message{Role: "assistant", Content: "Final answer after budget."})
	llm := &scriptedLLM{replies: replies}
	tool := &echoTool{output: "some passages"}
	a, _ := newTestAgent(t, llm, tool)

	answer, err := a.Chat(context.Background(), "s1", "keep digging")
	require.NoError(t, err)
	assert.Equal(t, "Final answer after budget.", answer)
	assert.Equal(t, MaxToolCalls, tool.callCount())

	last := llm.request(llm.requestCount() - 1)
	assert.Empty(t, last.Tools, "tools must be withdrawn once the budget is spent")
}

func TestChat_ToolFailureFeedsBackToModel(t *testing.T) {
	llm := &scriptedLLM{replies: []Message{
		toolCallReply("anything"),
		{Role: "assistant", Content: "I could not search the knowledge base."},
	}}
	tool := &echoTool{err: rerrors.VectorStore("qdrant down", nil)}
	a, _ := newTestAgent(t, llm, tool)

	answer, err := a.Chat(context.Background(), "s1", "look this up")
	require.NoError(t, err, "tool failure must not abort the chat")
	assert.NotEmpty(t, answer)

	second := llm.request(1)
	var sawFailure bool
	for _, m := range second.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "failed") {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestChat_ServerErrorNotRetried(t *testing.T) {
	llm := &scriptedLLM{status: http.StatusInternalServerError}
	a, _ := newTestAgent(t, llm, nil)

	_, err := a.Chat(context.Background(), "s1", "anything factual")
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeLLMFailed, rerrors.GetCode(err))
	assert.Equal(t, 1, llm.requestCount(), "a 5xx from the service must not be retried")
}

func TestChat_HistoryCarriesAcrossTurnsAndTrims(t *testing.T) {
	var replies []Message
	for i := 0; i < 15; i++ {
		replies = append(replies, Message{Role: "assistant", Content: "ok"})
	}
	llm := &scriptedLLM{replies: replies}
	a, _ := newTestAgent(t, llm, nil)

	for i := 0; i < 15; i++ {
		_, err := a.Chat(context.Background(), "s1", "turn number "+strings.Repeat("x", i+1))
		require.NoError(t, err)
	}

	last := llm.request(llm.requestCount() - 1)
	// system + at most DefaultHistoryLimit history + current user turn
	assert.LessOrEqual(t, len(last.Messages), 1+DefaultHistoryLimit+1)
	assert.Greater(t, len(last.Messages), 3, "earlier turns must be present")
}

func TestChat_CancelledContext(t *testing.T) {
	llm := &scriptedLLM{}
	a, _ := newTestAgent(t, llm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Chat(ctx, "s1", "a question")
	assert.Error(t, err)
}

func TestClassifyTransportError(t *testing.T) {
	err := classifyTransportError(context.DeadlineExceeded)
	assert.Equal(t, rerrors.ErrCodeTimeout, rerrors.GetCode(err))
	assert.True(t, rerrors.IsRetryable(err))

	err = classifyTransportError(assert.AnError)
	assert.Equal(t, rerrors.ErrCodeServiceUnavailable, rerrors.GetCode(err))
	assert.True(t, rerrors.IsRetryable(err))

	assert.Equal(t, context.Canceled, classifyTransportError(context.Canceled))
}

func TestGreetingReply(t *testing.T) {
	_, ok := greetingReply("hello")
	assert.True(t, ok)
	_, ok = greetingReply("你好！")
	assert.True(t, ok)
	_, ok = greetingReply("hello, where is the warehouse?")
	assert.False(t, ok)
	_, ok = greetingReply("what is the revenue")
	assert.False(t, ok)
}

func TestFormatResults_Empty(t *testing.T) {
	out := FormatResults(nil)
	assert.Contains(t, out, "No relevant passages")
}
