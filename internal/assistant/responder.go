package assistant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/autoreply-bot/internal/models"
	"go.uber.org/zap"
)

var ErrUpstream = errors.New("upstream failure")

// FallbackReply is posted instead of a generated answer when generation fails.
const FallbackReply = "Sorry, something went wrong while generating a reply. Please try again later."

const defaultSystemPrompt = "You are a friendly assistant answering messages in a Telegram channel. " +
	"Answer briefly and to the point. Use the previous messages as context."

// Request is everything needed to answer one channel message.
type Request struct {
	Message  string
	Settings models.AssistantSettings
	Context  []models.ContextMessage
}

// Responder generates replies with the channel owner's API key.
type Responder interface {
	Respond(ctx context.Context, apiKey string, req Request) (string, error)
	ValidateKey(ctx context.Context, apiKey string) error
}

type GPTResponder struct {
	baseURL string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGPTResponder builds a responder. An empty baseURL uses the OpenAI API;
// timeout bounds every request when positive.
func NewGPTResponder(baseURL string, timeout time.Duration, logger *zap.Logger) *GPTResponder {
	return &GPTResponder{
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger,
	}
}

func (r *GPTResponder) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if r.baseURL != "" {
		cfg.BaseURL = r.baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (r *GPTResponder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *GPTResponder) Respond(ctx context.Context, apiKey string, req Request) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	settings := req.Settings
	model := settings.Model
	if model == "" {
		model = models.DefaultModel
	}
	maxTokens := settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = models.DefaultMaxTokens
	}

	// The request field is omitempty; a zero would fall back to the API default of 1.
	temperature := float32(settings.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := r.client(apiKey).CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       model,
			Messages:    BuildMessages(req),
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
	)
	if err != nil {
		r.logger.Error("Failed to get GPT response", zap.Error(err), zap.String("model", model))
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		r.logger.Error("GPT response has no choices", zap.String("model", model))
		return "", fmt.Errorf("%w: empty response", ErrUpstream)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUpstream)
	}
	return text, nil
}

// ValidateKey checks the key by listing models, which costs no tokens.
func (r *GPTResponder) ValidateKey(ctx context.Context, apiKey string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if _, err := r.client(apiKey).ListModels(ctx); err != nil {
		r.logger.Warn("API key validation failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// BuildSystemPrompt folds the style, topic and word restrictions into the
// configured prompt.
func BuildSystemPrompt(s models.AssistantSettings) string {
	prompt := strings.TrimSpace(s.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	if s.ResponseStyle != "" {
		prompt += fmt.Sprintf("\nAnswer in a %s style.", s.ResponseStyle)
	}
	if len(s.AllowedTopics) > 0 {
		prompt += "\nOnly answer on these topics: " + strings.Join(s.AllowedTopics, ", ")
	}
	if len(s.ForbiddenWords) > 0 {
		prompt += "\nNever use these words: " + strings.Join(s.ForbiddenWords, ", ")
	}
	return prompt
}

// BuildMessages returns the system prompt, the context in order and the
// message being answered.
func BuildMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Context)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: BuildSystemPrompt(req.Settings),
	})
	for _, m := range req.Context {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
	return messages
}
