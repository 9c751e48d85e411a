package handoff

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	summarizedKeepRecent = 5
	summarizedRAGEntries = 3
	ragEnhancedKeepTail  = 3

	foldLineChars   = 100
	foldSummaryCap  = 500
	foldEllipsis    = "..."
	taskPrefix      = "Task: "
	ragBlockHeading = "Relevant information:\n"
)

// Engine prepares conversation contexts for a target backend's budget.
// It performs no I/O and never modifies its inputs.
type Engine struct {
	defaultStrategy Strategy
	logger          *zap.Logger
}

// NewEngine creates an Engine. An empty defaultStrategy means summarized.
func NewEngine(defaultStrategy Strategy, logger *zap.Logger) *Engine {
	if defaultStrategy == "" {
		defaultStrategy = StrategySummarized
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{defaultStrategy: defaultStrategy, logger: logger}
}

// DefaultStrategy returns the strategy used when none is given.
func (e *Engine) DefaultStrategy() Strategy {
	return e.defaultStrategy
}

// PrepareHandoff derives a budget-bound context for targetModel. A result
// that still exceeds maxTokens is returned with WasCompressed set; callers
// decide whether that is fatal.
func (e *Engine) PrepareHandoff(c *ConversationContext, targetModel string, maxTokens int, strategy Strategy) *PreparedContext {
	if c == nil {
		c = &ConversationContext{}
	}
	if strategy == "" {
		strategy = e.defaultStrategy
	}

	var (
		out     *ConversationContext
		changed bool
	)
	switch strategy {
	case StrategyFull:
		out, changed = e.full(c, maxTokens)
	case StrategySummarized:
		out, changed = summarized(c)
	case StrategyMinimal:
		out, changed = minimal(c)
	case StrategyRAGEnhanced:
		out, changed = ragEnhanced(c)
	default:
		e.logger.Warn("unknown handoff strategy, using full", zap.String("strategy", string(strategy)))
		strategy = StrategyFull
		out, changed = e.full(c, maxTokens)
	}

	prepared := &PreparedContext{
		ConversationContext: *out,
		Strategy:            strategy,
		TokensEstimate:      out.TokenEstimate(),
		MaxTokens:           maxTokens,
	}
	prepared.WasCompressed = changed || prepared.OverBudget()

	fields := []zap.Field{
		zap.String("target_model", targetModel),
		zap.String("strategy", string(strategy)),
		zap.Int("input_messages", len(c.Messages)),
		zap.Int("output_messages", len(out.Messages)),
		zap.Int("tokens_estimate", prepared.TokensEstimate),
		zap.Int("max_tokens", maxTokens),
	}
	if prepared.OverBudget() {
		e.logger.Warn("prepared context exceeds token budget", fields...)
	} else {
		e.logger.Debug("prepared context handoff", fields...)
	}

	return prepared
}

// full keeps everything when it fits, otherwise the longest run of newest
// messages that fits. Retrieved references are dropped on truncation.
func (e *Engine) full(c *ConversationContext, maxTokens int) (*ConversationContext, bool) {
	if c.TokenEstimate() <= maxTokens {
		return c.Clone(), false
	}

	out := &ConversationContext{
		SystemPrompt:    c.SystemPrompt,
		TaskDescription: c.TaskDescription,
		Metadata:        copyMetadata(c.Metadata),
	}

	used := 0
	start := len(c.Messages)
	for i := len(c.Messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(c.Messages[i].Content)
		if used+cost > maxTokens {
			break
		}
		used += cost
		start = i
	}
	out.Messages = append([]Message(nil), c.Messages[start:]...)

	e.logger.Debug("truncated context",
		zap.Int("original_messages", len(c.Messages)),
		zap.Int("kept_messages", len(out.Messages)),
	)
	return out, true
}

func summarized(c *ConversationContext) (*ConversationContext, bool) {
	out := &ConversationContext{
		SystemPrompt:    c.SystemPrompt,
		TaskDescription: c.TaskDescription,
		RAGContext:      append([]string(nil), c.RAGContext[:min(len(c.RAGContext), summarizedRAGEntries)]...),
		Metadata:        copyMetadata(c.Metadata),
	}
	changed := len(out.RAGContext) != len(c.RAGContext)

	if len(c.Messages) <= summarizedKeepRecent {
		out.Messages = append([]Message(nil), c.Messages...)
		return out, changed
	}

	older := c.Messages[:len(c.Messages)-summarizedKeepRecent]
	recent := c.Messages[len(c.Messages)-summarizedKeepRecent:]
	out.Messages = make([]Message, 0, summarizedKeepRecent+1)
	out.Messages = append(out.Messages, foldMessage(older))
	out.Messages = append(out.Messages, recent...)
	return out, true
}

func minimal(c *ConversationContext) (*ConversationContext, bool) {
	out := &ConversationContext{
		SystemPrompt:    c.SystemPrompt,
		TaskDescription: c.TaskDescription,
		Metadata:        copyMetadata(c.Metadata),
		Messages:        []Message{},
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			out.Messages = append(out.Messages, c.Messages[i])
			break
		}
	}
	changed := len(out.Messages) != len(c.Messages) || len(c.RAGContext) > 0
	return out, changed
}

func ragEnhanced(c *ConversationContext) (*ConversationContext, bool) {
	out := &ConversationContext{
		SystemPrompt:    c.SystemPrompt,
		TaskDescription: c.TaskDescription,
		RAGContext:      append([]string(nil), c.RAGContext...),
		Metadata:        copyMetadata(c.Metadata),
	}

	if len(c.Messages) <= ragEnhancedKeepTail {
		out.Messages = append([]Message(nil), c.Messages...)
		return out, false
	}

	older := c.Messages[:len(c.Messages)-ragEnhancedKeepTail]
	out.Messages = make([]Message, 0, ragEnhancedKeepTail+1)
	out.Messages = append(out.Messages, foldMessage(older))
	out.Messages = append(out.Messages, c.Messages[len(c.Messages)-ragEnhancedKeepTail:]...)
	return out, true
}

// foldMessage collapses msgs into a single system message tagged as a
// summary of len(msgs) originals.
func foldMessage(msgs []Message) Message {
	m := NewMessage(RoleSystem, SummarizeMessages(msgs))
	m.Metadata = map[string]interface{}{
		"summarized":     true,
		"original_count": len(msgs),
	}
	return m
}

// SummarizeMessages renders one "- role: text" line per message, where
// text is at most the first 100 characters of the message's first line.
// The result is capped at 500 characters plus an ellipsis.
func SummarizeMessages(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if i := strings.IndexByte(content, '\n'); i >= 0 {
			content = content[:i]
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Role, truncateRunes(content, foldLineChars)))
	}

	summary := strings.Join(lines, "\n")
	if utf8.RuneCountInString(summary) > foldSummaryCap {
		summary = truncateRunes(summary, foldSummaryCap) + foldEllipsis
	}
	return summary
}

// EstimateQualityLoss approximates lost information as the fraction of
// tokens removed, clamped to [0,1].
func (e *Engine) EstimateQualityLoss(original, compressed *ConversationContext) float64 {
	orig := original.TokenEstimate()
	if orig == 0 {
		return 0
	}
	loss := 1 - float64(compressed.TokenEstimate())/float64(orig)
	switch {
	case loss < 0:
		return 0
	case loss > 1:
		return 1
	}
	return loss
}

// FormatForBackend flattens c into the fixed backend order: system prompt,
// task description, retrieved references, then messages.
func FormatForBackend(c *ConversationContext) []FormattedMessage {
	out := make([]FormattedMessage, 0, len(c.Messages)+3)

	if c.SystemPrompt != "" {
		out = append(out, FormattedMessage{Role: RoleSystem, Content: c.SystemPrompt})
	}
	if c.TaskDescription != "" {
		out = append(out, FormattedMessage{Role: RoleSystem, Content: taskPrefix + c.TaskDescription})
	}
	if len(c.RAGContext) > 0 {
		out = append(out, FormattedMessage{
			Role:    RoleSystem,
			Content: ragBlockHeading + strings.Join(c.RAGContext, "\n\n"),
		})
	}
	for _, m := range c.Messages {
		out = append(out, FormattedMessage{Role: m.Role, Content: m.Content})
	}

	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
