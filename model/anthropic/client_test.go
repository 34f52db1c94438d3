package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/tablepilot/tablepilot/model"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	msg    *sdk.Message
	err    error
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return f.msg, f.err
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Final Answer: 237,525 units"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 900, OutputTokens: 42},
	}}
	c, err := New(fake, Options{Model: "claude-sonnet-4-20250514", MaxTokens: 4096})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		System: "You are an analyst.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "total actual quantity?"},
			{Role: model.RoleAssistant, Content: "Thought: sum it"},
		},
		Stop: []string{"Observation:"},
	})
	require.NoError(t, err)
	require.Equal(t, "Final Answer: 237,525 units", resp.Text)
	require.Equal(t, model.FinishStop, resp.FinishReason)
	require.Equal(t, 942, resp.Usage.TotalTokens)

	require.Len(t, fake.params.System, 1)
	require.Equal(t, "You are an analyst.", fake.params.System[0].Text)
	require.Len(t, fake.params.Messages, 2)
	require.Equal(t, int64(4096), fake.params.MaxTokens)
	require.Equal(t, []string{"Observation:"}, fake.params.StopSequences)
}

func TestCompleteMapsMaxTokensFinish(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{StopReason: sdk.StopReasonMaxTokens}}
	c, err := New(fake, Options{Model: "claude-sonnet-4-20250514", MaxTokens: 16})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.FinishLength, resp.FinishReason)
}

func TestCompleteRequiresMaxTokens(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_tokens")
}

func TestCompleteClassifiesTransportError(t *testing.T) {
	c, err := New(&fakeMessages{err: context.DeadlineExceeded}, Options{Model: "claude-sonnet-4-20250514", MaxTokens: 16})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrUnavailable)
}

func TestSentinelMapping(t *testing.T) {
	require.ErrorIs(t, sentinel(429), model.ErrRateLimited)
	require.ErrorIs(t, sentinel(401), model.ErrAuth)
	require.ErrorIs(t, sentinel(403), model.ErrAuth)
	require.ErrorIs(t, sentinel(529), model.ErrUnavailable)
	require.ErrorIs(t, sentinel(400), model.ErrInvalidRequest)
}
