// Package agent orchestrates the RAG chat loop: it mediates between
// the user, the LLM, and the retrieval tool, records each step to the
// flow log, and keeps short per-session conversation history. Tool use
// is model-driven but bounded; the agent cuts the loop off after a
// fixed number of tool calls.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/flowlog"
)

// MaxToolCalls bounds tool invocations within one query.
const MaxToolCalls = 5

// Agent runs the chat loop against one bound knowledge base.
type Agent struct {
	llm     *OllamaChat
	tools   *Registry
	flow    *flowlog.Logger
	history *historyStore
	kbName  string
	kbDesc  string
	log     *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithHistoryLimit overrides the per-session history bound.
func WithHistoryLimit(n int) Option {
	return func(a *Agent) { a.history = newHistoryStore(n) }
}

// WithLogger sets the agent logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// NewAgent builds an agent over a chat client, a tool registry, and a
// flow logger. kbName and kbDesc identify the bound knowledge base in
// the system prompt.
func NewAgent(llm *OllamaChat, tools *Registry, flow *flowlog.Logger, kbName, kbDesc string, opts ...Option) *Agent {
	a := &Agent{
		llm:     llm,
		tools:   tools,
		flow:    flow,
		history: newHistoryStore(DefaultHistoryLimit),
		kbName:  kbName,
		kbDesc:  kbDesc,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Chat answers one user message, running retrieval tools as the model
// requests, and returns the final answer text. Conversation history is
// kept per session and replayed on the next call.
func (a *Agent) Chat(ctx context.Context, sessionID, userMessage string) (string, error) {
	return a.chat(ctx, sessionID, userMessage, a.history.get(sessionID), true)
}

// ChatWithHistory answers one user message against a caller-supplied
// conversation history. The stored per-session history is neither read
// nor updated; the caller owns the conversation state.
func (a *Agent) ChatWithHistory(ctx context.Context, sessionID, userMessage string, history []Message) (string, error) {
	return a.chat(ctx, sessionID, userMessage, history, false)
}

func (a *Agent) chat(ctx context.Context, sessionID, userMessage string, history []Message, record bool) (string, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return "", rerrors.New(rerrors.ErrCodeQueryEmpty, "message must not be empty", nil)
	}

	session := a.flow.Session(sessionID)
	session.Emit(flowlog.EventQueryStart, flowlog.StatusInProgress, map[string]string{"query": userMessage})

	if answer, ok := greetingReply(userMessage); ok {
		session.Emit(flowlog.EventQueryAnalysis, flowlog.StatusSuccess, map[string]string{"decision": "greeting short-circuit"})
		session.Emit(flowlog.EventQueryComplete, flowlog.StatusSuccess, map[string]string{
			"answer_length": strconv.Itoa(len(answer)),
		})
		if record {
			a.history.append(sessionID,
				Message{Role: "user", Content: userMessage},
				Message{Role: "assistant", Content: answer})
		}
		return answer, nil
	}
	session.Emit(flowlog.EventQueryAnalysis, flowlog.StatusSuccess, map[string]string{"decision": "llm with tools"})

	messages := []Message{{Role: "system", Content: a.systemPrompt()}}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userMessage})

	answer, err := a.runToolLoop(ctx, session, messages)
	if err != nil {
		session.Emit(flowlog.EventError, flowlog.StatusError, map[string]string{"error": err.Error()})
		return "", err
	}

	if record {
		a.history.append(sessionID,
			Message{Role: "user", Content: userMessage},
			Message{Role: "assistant", Content: answer})
	}
	session.Emit(flowlog.EventQueryComplete, flowlog.StatusSuccess, map[string]string{
		"answer_length": strconv.Itoa(len(answer)),
	})
	return answer, nil
}

// runToolLoop alternates LLM calls and tool executions until the model
// answers in plain text or the tool budget runs out.
func (a *Agent) runToolLoop(ctx context.Context, session *flowlog.Session, messages []Message) (string, error) {
	toolCalls := 0
	for iteration := 0; iteration <= MaxToolCalls+1; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		// Once the budget is spent, stop advertising tools so the model
		// has to answer in text.
		defs := a.tools.Definitions()
		if toolCalls >= MaxToolCalls {
			defs = nil
		}

		start := time.Now()
		reply, err := a.llm.Chat(ctx, messages, defs)
		if err != nil {
			return "", a.diagnose(err)
		}
		session.Emit(flowlog.EventLLMCall, flowlog.StatusSuccess, map[string]string{
			"model":       a.llm.Model(),
			"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			"tool_calls":  strconv.Itoa(len(reply.ToolCalls)),
		})

		if len(reply.ToolCalls) == 0 {
			return reply.Content, nil
		}

		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			if toolCalls >= MaxToolCalls {
				// Budget exhausted: ask for a final answer from what was
				// gathered so far.
				messages = append(messages, Message{
					Role:    "tool",
					Content: "Tool call limit reached. Answer from the information already retrieved.",
				})
				continue
			}
			toolCalls++
			messages = append(messages, a.executeTool(ctx, session, call))
		}
	}
	return "", rerrors.Internal("tool loop did not converge to an answer", nil)
}

// executeTool runs one tool call; failures become tool output so the
// model can still answer.
func (a *Agent) executeTool(ctx context.Context, session *flowlog.Session, call ToolCall) Message {
	name := call.Function.Name
	session.Emit(flowlog.EventToolSelection, flowlog.StatusInProgress, map[string]string{"tool": name})

	tool, ok := a.tools.Get(name)
	if !ok {
		a.log.Warn("model requested unknown tool", "tool", name)
		return Message{Role: "tool", Content: fmt.Sprintf("Unknown tool %q.", name)}
	}

	start := time.Now()
	output, err := tool.Execute(ctx, call.Function.Arguments)
	detail := map[string]string{
		"tool":        name,
		"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
	}
	if err != nil {
		detail["error"] = err.Error()
		session.Emit(flowlog.EventToolExecution, flowlog.StatusError, detail)
		return Message{Role: "tool", Content: fmt.Sprintf("Tool %s failed: %v", name, err)}
	}
	detail["output_length"] = strconv.Itoa(len(output))
	session.Emit(flowlog.EventToolExecution, flowlog.StatusSuccess, detail)
	return Message{Role: "tool", Content: output}
}

// diagnose turns infrastructure failures into messages a user can act
// on, preserving the original error for the status mapping.
func (a *Agent) diagnose(err error) error {
	switch rerrors.GetCode(err) {
	case rerrors.ErrCodeTimeout:
		return rerrors.New(rerrors.ErrCodeTimeout,
			"The language model took too long to respond. Please try again.", err)
	case rerrors.ErrCodeServiceUnavailable:
		return rerrors.New(rerrors.ErrCodeServiceUnavailable,
			"The language model service is not reachable. Check that Ollama is running.", err)
	default:
		return err
	}
}

// ClearHistory forgets a session's conversation.
func (a *Agent) ClearHistory(sessionID string) {
	a.history.clear(sessionID)
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a knowledge-base assistant. The current date and time is %s.\n\n",
		time.Now().Format("2006-01-02 15:04:05 (Monday)"))
	if a.kbName == "" {
		b.WriteString("No knowledge base is attached to this conversation; answer from general knowledge and say so when asked about specific documents.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "You are bound to the knowledge base %q", a.kbName)
	if a.kbDesc != "" {
		fmt.Fprintf(&b, ": %s", a.kbDesc)
	}
	b.WriteString(".\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use the search_knowledge_base tool to look up anything factual before answering.\n")
	b.WriteString("- Base answers only on retrieved passages and cite them by their [number].\n")
	b.WriteString("- If the search finds nothing relevant, say so plainly instead of guessing.\n")
	b.WriteString("- Answer in the user's language.\n")
	return b.String()
}

// greetings that skip retrieval entirely.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "hi!": true, "hello!": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"你好": true, "您好": true, "嗨": true, "早上好": true, "下午好": true, "晚上好": true,
}

// greetingReply short-circuits bare greetings with a canned response,
// skipping the LLM and retrieval entirely.
func greetingReply(message string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(strings.Trim(message, "!！。.？?")))
	if !greetings[normalized] && !greetings[strings.ToLower(strings.TrimSpace(message))] {
		return "", false
	}
	return "Hello! I can answer questions about the knowledge base I'm connected to. What would you like to know?", true
}
