package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model            string        `json:"model"`
	Messages         []wireMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	PresencePenalty  float64       `json:"presence_penalty"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
}

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4.1",
  "choices": [
    {"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %q}}
  ]
}`

func newTestBridge(t *testing.T, handler http.HandlerFunc) *OpenAIBridge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := NewOpenAIBridge(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key"}, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestReplySendsSystemPrefixAndFullHistory(t *testing.T) {
	var (
		got        wireRequest
		path, auth string
		decodeErr  error
	)
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		decodeErr = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, completionBody, "Why do you think so?")
	})

	reply, err := b.Reply(context.Background(), []Turn{
		{Role: RoleAssistant, Content: "Hi, my opinion..."},
		{Role: RoleParticipant, Content: "That's completely wrong"},
	}, scenarios.CategoryEthicalJudgment)
	require.NoError(t, err)
	require.Equal(t, "Why do you think so?", reply)
	require.NoError(t, decodeErr)
	require.True(t, strings.HasSuffix(path, "/chat/completions"), path)
	require.Equal(t, "Bearer test-key", auth)

	require.Equal(t, DefaultModel, got.Model)
	require.Len(t, got.Messages, 3)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Contains(t, got.Messages[0].Content, "moral dilemma scenario")
	require.Equal(t, "assistant", got.Messages[1].Role)
	require.Equal(t, "user", got.Messages[2].Role)
	require.Equal(t, "That's completely wrong", got.Messages[2].Content)
	require.Equal(t, 500, got.MaxTokens)
	require.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.InDelta(t, 0.1, got.PresencePenalty, 1e-9)
	require.InDelta(t, 0.1, got.FrequencyPenalty, 1e-9)
}

func TestReplyEmptyContentFallsBack(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, completionBody, "")
	})
	reply, err := b.Reply(context.Background(), nil, scenarios.CategoryGenderBias)
	require.NoError(t, err)
	require.Equal(t, EmptyReply, reply)
}

func TestReplyClassifiesFailuresWithoutRetry(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusBadGateway, KindServiceUnavailable},
		{http.StatusBadRequest, KindOther},
	}
	for _, tc := range cases {
		var calls atomic.Int32
		b := newTestBridge(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"test"}}`)
		})
		_, err := b.Reply(context.Background(), []Turn{{Role: RoleParticipant, Content: "hi"}}, scenarios.CategoryEthicalJudgment)
		require.Error(t, err)
		require.Equal(t, tc.kind, KindOf(err), "status %d", tc.status)
		require.Equal(t, int32(1), calls.Load(), "status %d", tc.status)

		var ae *Error
		require.ErrorAs(t, err, &ae)
		require.Equal(t, tc.status, ae.Status)
	}
}

func TestSystemInstructionPerCategory(t *testing.T) {
	gender := SystemInstruction(scenarios.CategoryGenderBias)
	require.Contains(t, gender, "regarding sexism of a reddit post")
	require.Contains(t, gender, "gender and potential sexism")

	ethics := SystemInstruction(scenarios.CategoryEthicalJudgment)
	require.Contains(t, ethics, "regarding fault/responsibility")
	require.Contains(t, ethics, "under 150 words")
	require.NotContains(t, ethics, "%s")
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindRateLimited, Classify(429))
	require.Equal(t, KindUnauthorized, Classify(401))
	require.Equal(t, KindServiceUnavailable, Classify(503))
	require.Equal(t, KindOther, Classify(404))
	require.Equal(t, KindOther, KindOf(io.EOF))
}
