// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates requests into ChatCompletion calls using
// github.com/sashabaranov/go-openai and maps responses back to the generic
// completion structures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tablepilot/tablepilot/model"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. It is satisfied by *openai.Client so tests can pass a mock.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client issues the chat completion calls.
		Client ChatClient

		// Model is the model identifier used for every request.
		Model string

		// MaxTokens is the default completion cap when a request does not set
		// MaxTokens.
		MaxTokens int

		// Temperature is used when a request does not set Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float64
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		chat:   opts.Client,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts.Client = openai.NewClient(apiKey)
	return New(opts)
}

// Name identifies the provider for logging and audit records.
func (c *Client) Name() string { return "openai" }

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(c.effectiveTemperature(req.Temperature)),
		MaxTokens:   c.effectiveMaxTokens(req.MaxTokens),
		Stop:        req.Stop,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(response), nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		FinishReason: model.FinishStop,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Text = choice.Message.Content
		out.FinishReason = finishReason(choice.FinishReason)
	}
	return out
}

func finishReason(r openai.FinishReason) model.FinishReason {
	switch r {
	case openai.FinishReasonLength:
		return model.FinishLength
	case openai.FinishReasonContentFilter, openai.FinishReasonNull:
		return model.FinishError
	default:
		return model.FinishStop
	}
}

// classify maps go-openai errors onto the model sentinels so callers can make
// retry and failover decisions with errors.Is.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: openai chat completion: %w", sentinel(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: openai chat completion: %w", sentinel(reqErr.HTTPStatusCode), err)
	}
	// Transport failures arrive as plain errors.
	return fmt.Errorf("%w: openai chat completion: %w", model.ErrUnavailable, err)
}

func sentinel(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return model.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ErrAuth
	case status >= 500 || status == 0:
		return model.ErrUnavailable
	default:
		return model.ErrInvalidRequest
	}
}
