// Package assistant sends a conversation to a chat-completion model and
// returns one reply or a classified failure. Failures are never retried.
package assistant

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1"
	DefaultTimeout = 60 * time.Second

	maxTokens        = 500
	temperature      = 0.7
	presencePenalty  = 0.1
	frequencyPenalty = 0.1
)

// ApologyReply replaces the assistant turn when the bridge fails.
const ApologyReply = "I'm sorry, I'm having trouble responding right now. Please try again."

// EmptyReply is used when the model answers with no content.
const EmptyReply = "I apologize, but I cannot respond at this time."

// Role is the author of a history turn.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleAssistant   Role = "assistant"
)

// Turn is one role-tagged entry of the history sent to the model.
type Turn struct {
	Role    Role
	Content string
}

// Bridge is the contract the session controller needs.
type Bridge interface {
	Reply(ctx context.Context, history []Turn, category scenarios.Category) (string, error)
}

// Kind classifies a failed call by the upstream status.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindUnauthorized
	KindServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "other"
	}
}

// Error is the classified failure returned by Reply.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case KindRateLimited:
		return "Rate limit exceeded. Please try again later."
	case KindUnauthorized:
		return "Invalid API key. Please check your configuration."
	case KindServiceUnavailable:
		return "Assistant service is currently unavailable. Please try again later."
	default:
		if e.Message != "" {
			return "assistant error: " + e.Message
		}
		return "Failed to get response from AI. Please try again."
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure kind of err. Errors that are not *Error map to KindOther.
func KindOf(err error) Kind {
	var ae *Error
	if stderrors.As(err, &ae) && ae != nil {
		return ae.Kind
	}
	return KindOther
}

// Classify maps an HTTP status to a Kind.
func Classify(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status >= 500:
		return KindServiceUnavailable
	default:
		return KindOther
	}
}

// Config configures the OpenAI bridge.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	out := c
	if strings.TrimSpace(out.BaseURL) == "" {
		out.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(out.Model) == "" {
		out.Model = DefaultModel
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: out.Timeout}
	}
	return out
}

// OpenAIBridge implements Bridge against any OpenAI-compatible chat completions endpoint.
type OpenAIBridge struct {
	client openai.Client
	model  string
	logger zerolog.Logger
}

var _ Bridge = &OpenAIBridge{}

func NewOpenAIBridge(cfg Config, logger zerolog.Logger) (*OpenAIBridge, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("assistant: api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/"
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	)
	return &OpenAIBridge{
		client: client,
		model:  strings.TrimSpace(cfg.Model),
		logger: logger.With().Str("component", "assistant").Logger(),
	}, nil
}

// Reply prepends the category instruction and sends the full history.
func (b *OpenAIBridge) Reply(ctx context.Context, history []Turn, category scenarios.Category) (string, error) {
	if b == nil {
		return "", &Error{Kind: KindOther, Message: "bridge not initialized"}
	}
	params := openai.ChatCompletionNewParams{
		Model:            openai.ChatModel(b.model),
		Messages:         BuildMessages(history, category),
		MaxTokens:        openai.Int(maxTokens),
		Temperature:      openai.Float(temperature),
		PresencePenalty:  openai.Float(presencePenalty),
		FrequencyPenalty: openai.Float(frequencyPenalty),
	}

	started := time.Now()
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		classified := classifyError(err)
		b.logger.Warn().
			Err(err).
			Str("kind", classified.Kind.String()).
			Int("status", classified.Status).
			Int("history_len", len(history)).
			Msg("assistant call failed")
		return "", classified
	}
	b.logger.Debug().
		Dur("elapsed", time.Since(started)).
		Int("history_len", len(history)).
		Msg("assistant replied")

	if resp == nil || len(resp.Choices) == 0 {
		return EmptyReply, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return EmptyReply, nil
	}
	return content, nil
}

// BuildMessages returns the wire history: one system instruction followed by every turn.
func BuildMessages(history []Turn, category scenarios.Category) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	out = append(out, openai.SystemMessage(SystemInstruction(category)))
	for _, t := range history {
		switch t.Role {
		case RoleParticipant:
			out = append(out, openai.UserMessage(t.Content))
		default:
			out = append(out, openai.AssistantMessage(t.Content))
		}
	}
	return out
}

func classifyError(err error) *Error {
	var apiErr *openai.Error
	if stderrors.As(err, &apiErr) && apiErr != nil {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = fmt.Sprintf("status %d", apiErr.StatusCode)
		}
		return &Error{
			Kind:    Classify(apiErr.StatusCode),
			Status:  apiErr.StatusCode,
			Message: msg,
			Err:     err,
		}
	}
	return &Error{Kind: KindOther, Message: err.Error(), Err: err}
}
