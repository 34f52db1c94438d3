// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates requests into Messages.New
// calls using github.com/anthropics/anthropic-sdk-go and maps responses back
// to the generic completion structures.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tablepilot/tablepilot/model"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier used for every request. Use the
		// typed model constants from github.com/anthropics/anthropic-sdk-go.
		Model string

		// MaxTokens is the default completion cap when a request does not set
		// MaxTokens. The Messages API requires a positive cap on every call.
		MaxTokens int

		// Temperature is used when a request does not set Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
	}
)

// New builds an Anthropic-backed model client from the provided Messages
// client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Name identifies the provider for logging and audit records.
func (c *Client) Name() string { return "anthropic" }

// Complete issues a non-streaming Messages.New request and translates the
// response into the generic completion structures.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(msg)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(t)
	} else if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return &params, nil
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		FinishReason: finishReason(msg.StopReason),
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			resp.Text += block.Text
		}
	}
	return resp, nil
}

func finishReason(r sdk.StopReason) model.FinishReason {
	switch r {
	case sdk.StopReasonMaxTokens:
		return model.FinishLength
	case sdk.StopReasonEndTurn, sdk.StopReasonStopSequence:
		return model.FinishStop
	default:
		return model.FinishStop
	}
}

// classify maps Anthropic SDK errors onto the model sentinels so callers can
// make retry and failover decisions with errors.Is.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return fmt.Errorf("%w: anthropic messages.new: %w", sentinel(apierr.StatusCode), err)
	}
	return fmt.Errorf("%w: anthropic messages.new: %w", model.ErrUnavailable, err)
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
