package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantvault/orgmemory/internal/resilience"
)

func writeMessage(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"id":   "msg_test_001",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-sonnet-4-5-20250929",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":                120,
			"output_tokens":               45,
			"cache_creation_input_tokens": 0,
			"cache_read_input_tokens":     100,
		},
	})
}

func TestCreateMessage_SendsCachedSystemBlock(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		system := body["system"].([]any)
		require.Len(t, system, 1)
		block := system[0].(map[string]any)
		assert.Equal(t, "You draft grant narratives.", block["text"])
		cc := block["cache_control"].(map[string]any)
		assert.Equal(t, "ephemeral", cc["type"])
		assert.Equal(t, "5m", cc["ttl"])

		writeMessage(w, "Our literacy program served 1,200 students.")
	}))
	defer ts.Close()

	client := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		System:    CachedSystem("You draft grant narratives.", ""),
		Messages:  []Message{{Role: "user", Content: "Draft the need statement."}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "Our literacy program served 1,200 students.", resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(100), resp.Usage.CacheReadInputTokens)
}

func TestCreateMessage_StatusErrorsAreTypedAndNotRetried(t *testing.T) {
	tests := []struct {
		status      int
		auth        bool
		rateLimited bool
		transient   bool
	}{
		{http.StatusUnauthorized, true, false, false},
		{http.StatusForbidden, true, false, false},
		{http.StatusBadRequest, false, false, false},
		{http.StatusTooManyRequests, false, true, true},
		{http.StatusInternalServerError, false, false, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			}))
			defer ts.Close()

			_, err := NewClient("k", WithBaseURL(ts.URL)).CreateMessage(context.Background(), MessageRequest{
				Model: "claude-sonnet-4-5-20250929", MaxTokens: 10,
				Messages: []Message{{Role: "user", Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Equal(t, tt.auth, IsAuthError(err))
			assert.Equal(t, tt.rateLimited, IsRateLimited(err))
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Zero(t, StatusCode(errors.New("dial tcp: refused")))
	assert.Zero(t, StatusCode(nil))
}

func TestMessageResponse_Text(t *testing.T) {
	assert.Empty(t, (*MessageResponse)(nil).Text())
	assert.Empty(t, (&MessageResponse{}).Text())
	r := &MessageResponse{Content: []ContentBlock{{Type: "thinking"}, {Type: "text", Text: "first"}, {Type: "text", Text: "second"}}}
	assert.Equal(t, "first", r.Text())
}

func TestToSDKMessages_Roles(t *testing.T) {
	out := toSDKMessages([]Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}, {Role: "other", Content: "x"}})
	require.Len(t, out, 3)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
	assert.Equal(t, "user", string(out[2].Role))
}

func TestCachedSystem(t *testing.T) {
	blocks := CachedSystem("rules", "1h")
	require.Len(t, blocks, 1)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)

	sdkBlocks := toSDKSystemBlocks(CachedSystem("rules", ""))
	require.Len(t, sdkBlocks, 1)
	assert.Equal(t, "5m", string(sdkBlocks[0].CacheControl.TTL))
}

func TestEstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 18.0, u.EstimateCost("claude-sonnet-4-5-20250929"), 0.001)
	assert.InDelta(t, 6.0, u.EstimateCost("claude-haiku-4-5-20251001"), 0.001)
	assert.Zero(t, u.EstimateCost("unknown-model"))

	cached := TokenUsage{CacheCreationInputTokens: 1_000_000, CacheReadInputTokens: 1_000_000}
	assert.InDelta(t, 3.0*1.25+3.0*0.1, cached.EstimateCost("claude-sonnet-4-5-20250929"), 0.001)
}

func TestLogCost_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		TokenUsage{InputTokens: 10, OutputTokens: 5}.LogCost("claude-sonnet-4-5-20250929", "org-1", "memory_assist")
	})
}
