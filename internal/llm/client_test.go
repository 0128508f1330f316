package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientCreateMessage(t *testing.T) {
	t.Parallel()

	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_1",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": `{"opportunities":`},
				{"type": "text", "text": `[]}`},
			},
			"model":       "claude-test",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 12, "output_tokens": 3},
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: ts.URL})
	temp := 0.1
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-test",
		MaxTokens:   256,
		System:      "be terse",
		Temperature: &temp,
		Messages:    []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "msg_1", resp.ID)
	require.Equal(t, `{"opportunities":[]}`, resp.Text())
	require.Equal(t, int64(12), resp.Usage.InputTokens)
	require.Equal(t, int64(3), resp.Usage.OutputTokens)

	require.Equal(t, "claude-test", body["model"])
	require.InDelta(t, 0.1, body["temperature"], 1e-9)
	require.NotNil(t, body["system"])
}

func TestClientCreateMessageError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: ts.URL})
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-test",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "create message")
}

func TestResponseTextSkipsNonText(t *testing.T) {
	t.Parallel()

	resp := &MessageResponse{Content: []ContentBlock{{Type: "tool_use", Text: "x"}, {Type: "text", Text: "ok"}}}
	require.Equal(t, "ok", resp.Text())
	var nilResp *MessageResponse
	require.Empty(t, nilResp.Text())
}
