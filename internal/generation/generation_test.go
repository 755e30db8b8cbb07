package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/vet-followup/internal/retry"
	"google.golang.org/api/googleapi"
)

type fakeConverse struct {
	out   *bedrockruntime.ConverseOutput
	err   error
	input *bedrockruntime.ConverseInput
}

func (f *fakeConverse) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return f.out, f.err
}

func textOutput(parts ...string) *bedrockruntime.ConverseOutput {
	blocks := make([]brtypes.ContentBlock, 0, len(parts))
	for _, p := range parts {
		blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: p})
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks}},
	}
}

func TestBedrockChat(t *testing.T) {
	api := &fakeConverse{out: textOutput(`{"script":`, ` "Hi"}`)}
	c := NewBedrockClient(api, "anthropic.claude-3-haiku")

	got, err := c.Chat(context.Background(), "You write follow-ups.", "Patient: Mochi")
	require.NoError(t, err)
	assert.Equal(t, `{"script": "Hi"}`, got)
	require.NotNil(t, api.input)
	assert.Len(t, api.input.System, 1)
	assert.Len(t, api.input.Messages, 1)
}

func TestBedrockChatRequiresModelAndPrompt(t *testing.T) {
	_, err := NewBedrockClient(&fakeConverse{}, "").Chat(context.Background(), "", "hi")
	assert.Error(t, err)
	_, err = NewBedrockClient(&fakeConverse{}, "m").Chat(context.Background(), "", "  ")
	assert.Error(t, err)
}

func TestBedrockEmptyOutput(t *testing.T) {
	_, err := NewBedrockClient(&fakeConverse{out: textOutput("  ")}, "m").Chat(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestBedrockErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, retry.Retryable},
		{"unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailableException"}, retry.Retryable},
		{"internal", &smithy.GenericAPIError{Code: "InternalServerException"}, retry.Retryable},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model"}, retry.Fatal},
		{"access", &smithy.GenericAPIError{Code: "AccessDeniedException"}, retry.Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBedrockClient(&fakeConverse{err: tt.err}, "m").Chat(context.Background(), "", "hi")
			require.Error(t, err)
			assert.Equal(t, tt.want, retry.Classify(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestGeminiErrorCarriesStatus(t *testing.T) {
	err := geminiError(&googleapi.Error{Code: 429, Message: "quota"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 429, se.StatusCode())
	assert.Equal(t, retry.Retryable, retry.Classify(err))

	assert.Equal(t, retry.Fatal, retry.Classify(geminiError(&googleapi.Error{Code: 403})))
	assert.Equal(t, retry.Fatal, retry.Classify(geminiError(errors.New("blocked by safety settings"))))
}

func TestGeminiText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello "), genai.Text("there")}},
	}}}
	got, err := geminiText(resp)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", got)

	_, err = geminiText(&genai.GenerateContentResponse{})
	assert.Error(t, err)
	_, err = geminiText(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}})
	assert.Error(t, err)
}

type countingClient struct{ calls int }

func (c *countingClient) Chat(ctx context.Context, system, user string) (string, error) {
	c.calls++
	return "ok", nil
}

func TestRateLimitedPassesThrough(t *testing.T) {
	next := &countingClient{}
	rl := NewRateLimited(next, 0, 1)
	for i := 0; i < 3; i++ {
		got, err := rl.Chat(context.Background(), "", "hi")
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
	}
	assert.Equal(t, 3, next.calls)
}

func TestRateLimitedHonorsContext(t *testing.T) {
	next := &countingClient{}
	rl := NewRateLimited(next, 0.001, 1)
	_, err := rl.Chat(context.Background(), "", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = rl.Chat(ctx, "", "second")
	assert.Error(t, err)
	assert.Equal(t, 1, next.calls)
}
