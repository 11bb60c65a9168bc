package core

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
)

func fakeMessagesAPI(t *testing.T, status int, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"commit_message"`) {
			t.Errorf("system prompt should describe the patch shape: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func messageReply(t *testing.T, text, stopReason string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":            "msg_01",
		"type":          "message",
		"role":          "assistant",
		"model":         DefaultAnthropicModelName,
		"content":       []map[string]string{{"type": "text", "text": text}},
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": 10, "output_tokens": 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestAnthropicModel_Generate(t *testing.T) {
	var calls atomic.Int32
	srv := fakeMessagesAPI(t, http.StatusOK, messageReply(t, validPatchJSON, "end_turn"), &calls)

	model := NewAnthropicModel("sk-ant-test", "", option.WithBaseURL(srv.URL+"/"))
	patch, err := NewGenerator(model, testGeneratorConfig()).Generate(t.Context(), &PromptContext{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if patch.PRTitle != "Add date filtering to get_costs" || len(patch.Files) != 1 {
		t.Errorf("patch = %+v", patch)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestAnthropicModel_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reply     string
		wantKind  apperr.Kind
		wantCalls int32
	}{
		{"bad request is permanent", http.StatusBadRequest,
			`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`,
			apperr.KindUpstreamUnavailable, 1},
		{"overloaded is retried", 529,
			`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
			apperr.KindUpstreamUnavailable, 4},
		{"refusal is not retried", http.StatusOK, "",
			apperr.KindGenerationFailed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := tt.reply
			if reply == "" {
				reply = messageReply(t, "I can't help with that.", "refusal")
			}
			var calls atomic.Int32
			srv := fakeMessagesAPI(t, tt.status, reply, &calls)

			model := NewAnthropicModel("sk-ant-test", "", option.WithBaseURL(srv.URL+"/"))
			_, err := NewGenerator(model, testGeneratorConfig()).Generate(t.Context(), &PromptContext{})
			if !apperr.Is(err, tt.wantKind) {
				t.Errorf("err = %v, want kind %s", err, tt.wantKind)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}
