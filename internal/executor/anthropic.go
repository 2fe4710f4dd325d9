package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"sessiond/internal/event"
	"sessiond/internal/session"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// Anthropic runs turns against the Anthropic Messages API. It keeps the
// conversation of each session in memory. Watcher evaluations are sent
// without history, since each prompt already carries its observations.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

// NewAnthropic creates an executor. model is used when a session does not
// name one.
func NewAnthropic(apiKey, model string, maxTokens int64, opts ...option.RequestOption) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		history:   make(map[string][]anthropic.MessageParam),
	}
}

func (a *Anthropic) RunTurn(ctx context.Context, req session.TurnRequest, emit session.Emit) error {
	model := req.Model
	if model == "" {
		model = a.model
	}

	prompt := anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input))
	var messages []anthropic.MessageParam
	if req.Kind == session.InputEvaluation {
		messages = []anthropic.MessageParam{prompt}
	} else {
		a.mu.Lock()
		messages = append(slices.Clone(a.history[req.SessionID]), prompt)
		a.mu.Unlock()
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return fmt.Errorf("anthropic messages: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			reply.WriteString(block.Text)
			emit(event.Text(block.Text))
		case "thinking":
			emit(event.Thought(block.Thinking))
		case "tool_use":
			emit(event.NewToolCall(block.ID, block.Name, block.Input))
		}
	}
	emit(event.Usage(resp.Usage.InputTokens, resp.Usage.OutputTokens))

	if req.Kind != session.InputEvaluation && reply.Len() > 0 {
		messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply.String())))
		a.mu.Lock()
		a.history[req.SessionID] = messages
		a.mu.Unlock()
	}
	return nil
}

// Forget drops the conversation of a removed session.
func (a *Anthropic) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.history, sessionID)
	a.mu.Unlock()
}

func (a *Anthropic) historyLen(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history[sessionID])
}
