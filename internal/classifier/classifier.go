// Package classifier asks a chat model whether a piece of tool traffic is
// an attack, given the policy descriptions that apply to the server.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// ErrClassifier wraps every failure to obtain a verdict.
var ErrClassifier = errors.New("classifier error")

const systemPrompt = "You are an auditing assistant that checks for attacks such as this:\n"

const outputInstructions = `
Reply with a single JSON object and nothing else:
{"threat": true|false, "rating": 0-10, "category": "short attack category or empty", "description": "one sentence"}`

// Verdict is the classifier's assessment of one text.
type Verdict struct {
	Threat      bool    `json:"threat"`
	Rating      float64 `json:"rating"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description"`
}

// Map renders the verdict as the generic tree stored in audit records.
func (v *Verdict) Map() map[string]any {
	m := map[string]any{
		"threat":      v.Threat,
		"rating":      v.Rating,
		"description": v.Description,
	}
	if v.Category != "" {
		m["category"] = v.Category
	}
	return m
}

// Turn is one message in the conversation being assessed.
type Turn struct {
	Role    string
	Content string
}

// Classifier produces a verdict for an ordered list of turns.
type Classifier interface {
	Classify(ctx context.Context, turns []Turn, policies []string) (*Verdict, error)
}

// ChatModel is the subset of an eino chat model used here.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Config configures an OpenAI-compatible chat model.
type Config struct {
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Model classifies through a ChatModel.
type Model struct {
	chat    ChatModel
	timeout time.Duration
	logger  *zap.Logger
}

var _ Classifier = (*Model)(nil)

// NewOpenAI builds a classifier backed by an OpenAI-compatible endpoint.
func NewOpenAI(ctx context.Context, cfg Config, logger *zap.Logger) (*Model, error) {
	if cfg.Model == "" {
		return nil, errors.New("classifier model is required")
	}
	temperature := float32(0)
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: &temperature,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return New(chat, cfg.Timeout, logger), nil
}

// New wraps an existing chat model. A zero timeout means no deadline
// beyond the caller's context.
func New(chat ChatModel, timeout time.Duration, logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{chat: chat, timeout: timeout, logger: logger}
}

func (m *Model) Classify(ctx context.Context, turns []Turn, policies []string) (*Verdict, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: nothing to classify", ErrClassifier)
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := m.chat.Generate(ctx, Messages(turns, policies))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifier, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: empty response", ErrClassifier)
	}

	v, err := ParseVerdict(out.Content)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("classified",
		zap.Bool("threat", v.Threat),
		zap.Float64("rating", v.Rating),
		zap.Duration("took", time.Since(start)))
	return v, nil
}

// Messages builds the prompt: one system message carrying the policy
// descriptions, followed by the turns in order.
func Messages(turns []Turn, policies []string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(turns)+1)
	msgs = append(msgs, schema.SystemMessage(systemPrompt+strings.Join(policies, "\n")+"\n"+outputInstructions))
	for _, t := range turns {
		switch t.Role {
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		case "system":
			msgs = append(msgs, schema.SystemMessage(t.Content))
		default:
			msgs = append(msgs, schema.UserMessage(t.Content))
		}
	}
	return msgs
}

// ParseVerdict decodes a model reply. Markdown code fences and text around
// the JSON object are ignored.
func ParseVerdict(content string) (*Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrClassifier)
	}

	var raw struct {
		Threat      *bool    `json:"threat"`
		Rating      *float64 `json:"rating"`
		Category    string   `json:"category"`
		Description string   `json:"description"`
	}
	if err := sonic.UnmarshalString(content[start:end+1], &raw); err != nil {
		return nil, fmt.Errorf("%w: decode verdict: %v", ErrClassifier, err)
	}
	if raw.Threat == nil || raw.Rating == nil {
		return nil, fmt.Errorf("%w: verdict missing threat or rating", ErrClassifier)
	}
	if *raw.Rating < 0 || *raw.Rating > 10 {
		return nil, fmt.Errorf("%w: rating %v out of range", ErrClassifier, *raw.Rating)
	}
	return &Verdict{
		Threat:      *raw.Threat,
		Rating:      *raw.Rating,
		Category:    strings.TrimSpace(raw.Category),
		Description: raw.Description,
	}, nil
}
