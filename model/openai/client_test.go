package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/tablepilot/tablepilot/model"
)

type fakeChat struct {
	req  openai.ChatCompletionRequest
	resp openai.ChatCompletionResponse
	err  error
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Content: "Thought: inspect the files"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150},
	}}
	c, err := New(Options{Client: fake, Model: "gpt-4o", MaxTokens: 2048, Temperature: 0.2})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		System: "You are an analyst.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "total actual quantity?"},
			{Role: model.RoleAssistant, Content: "Thought: ..."},
		},
		Stop: []string{"Observation:"},
	})
	require.NoError(t, err)
	require.Equal(t, "Thought: inspect the files", resp.Text)
	require.Equal(t, model.FinishStop, resp.FinishReason)
	require.Equal(t, 150, resp.Usage.TotalTokens)

	// System prompt becomes the first message, defaults fill the request.
	require.Len(t, fake.req.Messages, 3)
	require.Equal(t, openai.ChatMessageRoleSystem, fake.req.Messages[0].Role)
	require.Equal(t, "You are an analyst.", fake.req.Messages[0].Content)
	require.Equal(t, 2048, fake.req.MaxTokens)
	require.Equal(t, []string{"Observation:"}, fake.req.Stop)
}

func TestCompleteMapsLengthFinish(t *testing.T) {
	fake := &fakeChat{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{FinishReason: openai.FinishReasonLength}},
	}}
	c, err := New(Options{Client: fake, Model: "gpt-4o"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.FinishLength, resp.FinishReason)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		wanted error
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, model.ErrRateLimited},
		{"auth", &openai.APIError{HTTPStatusCode: 401}, model.ErrAuth},
		{"server", &openai.APIError{HTTPStatusCode: 503}, model.ErrUnavailable},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, model.ErrInvalidRequest},
		{"transport", errors.New("connection refused"), model.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(Options{Client: &fakeChat{err: tc.err}, Model: "gpt-4o"})
			require.NoError(t, err)
			_, err = c.Complete(context.Background(), &model.Request{
				Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
			})
			require.ErrorIs(t, err, tc.wanted)
		})
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Model: "gpt-4o"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeChat{}})
	require.Error(t, err)
}
