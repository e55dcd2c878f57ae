// Package llm wraps the model provider behind a small Complete interface
// with transient-error classification and a circuit breaker.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/theredstring/redstring-bridge/pkg/models"
)

// DefaultTimeout bounds a single provider attempt.
const DefaultTimeout = 30 * time.Second

// defaultMaxTokens for planner responses.
const defaultMaxTokens = 4096

// ErrEmptyResponse indicates the provider returned no text content.
var ErrEmptyResponse = errors.New("empty model response")

// Request is one completion call.
type Request struct {
	Model     string
	APIKey    string
	System    string
	Messages  []models.ChatTurn
	MaxTokens int
	Timeout   time.Duration
}

// Provider produces a text completion for a request.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

// NewAnthropic creates the provider. baseURL may be empty for the public
// endpoint.
func NewAnthropic(baseURL string) *Anthropic {
	return &Anthropic{
		baseURL: baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "anthropic",
			Timeout: 20 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Name identifies the provider in traces and configs.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete runs one Messages call and returns the concatenated text
// blocks.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, turn := range req.Messages {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	result, err := a.breaker.Execute(func() (any, error) {
		return client.Messages.New(callCtx, params)
	})
	if err != nil {
		return "", err
	}
	resp := result.(*anthropic.Message)

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// IsTransient classifies provider failures that merit a retry: rate
// limits, request timeouts, server errors, and network-flavored faults.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429, apierr.StatusCode == 408:
			return true
		case apierr.StatusCode >= 500:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "network", "rate limit", "rate_limit", "connection reset", "overloaded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAuth reports whether the failure is an API-key rejection.
func IsAuth(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 401 || apierr.StatusCode == 403
	}
	return false
}
