package handoff

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Role is the speaker of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Strategy selects how a conversation is compressed for a target backend.
type Strategy string

const (
	// StrategyFull passes everything, truncating oldest messages when over budget
	StrategyFull Strategy = "full"

	// StrategySummarized keeps recent messages and folds older ones into a summary
	StrategySummarized Strategy = "summarized"

	// StrategyMinimal keeps only the latest user message
	StrategyMinimal Strategy = "minimal"

	// StrategyRAGEnhanced keeps all retrieved references and a short tail of messages
	StrategyRAGEnhanced Strategy = "rag_enhanced"
)

// ParseStrategy converts s to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyFull, StrategySummarized, StrategyMinimal, StrategyRAGEnhanced:
		return st, nil
	}
	return "", fmt.Errorf("unknown handoff strategy %q", s)
}

// Message is one conversation turn. Treat as immutable once created.
type Message struct {
	Role      Role                   `json:"role" validate:"required,oneof=system user assistant tool"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// ConversationContext is the state of one conversation. Messages are
// ordered oldest first.
type ConversationContext struct {
	Messages        []Message              `json:"messages" validate:"dive"`
	SystemPrompt    string                 `json:"system_prompt,omitempty"`
	TaskDescription string                 `json:"task_description,omitempty"`
	RAGContext      []string               `json:"rag_context,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy whose slices and metadata map can be modified
// without affecting c. Messages themselves are shared.
func (c *ConversationContext) Clone() *ConversationContext {
	out := &ConversationContext{
		SystemPrompt:    c.SystemPrompt,
		TaskDescription: c.TaskDescription,
		Messages:        append([]Message(nil), c.Messages...),
		RAGContext:      append([]string(nil), c.RAGContext...),
		Metadata:        copyMetadata(c.Metadata),
	}
	return out
}

// WithMessage returns a copy of c with m appended.
func (c *ConversationContext) WithMessage(m Message) *ConversationContext {
	out := c.Clone()
	out.Messages = append(out.Messages, m)
	return out
}

// TokenEstimate sums the estimates of the system prompt, every retrieved
// reference and every message. The task description is not counted.
func (c *ConversationContext) TokenEstimate() int {
	chars := utf8.RuneCountInString(c.SystemPrompt)
	for _, m := range c.Messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	for _, r := range c.RAGContext {
		chars += utf8.RuneCountInString(r)
	}
	return chars / 4
}

// PreparedContext is a budget-bound context ready to send to a backend.
type PreparedContext struct {
	ConversationContext
	Strategy       Strategy `json:"strategy"`
	WasCompressed  bool     `json:"was_compressed"`
	TokensEstimate int      `json:"tokens_estimate"`
	MaxTokens      int      `json:"max_tokens"`
}

// OverBudget reports whether the prepared context still exceeds its budget.
func (p *PreparedContext) OverBudget() bool {
	return p.TokensEstimate > p.MaxTokens
}

// FormattedMessage is one backend-ready (role, content) pair.
type FormattedMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// EstimateTokens applies the four-characters-per-token heuristic. Budget
// arithmetic across the system is calibrated to it; keep it as is.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
