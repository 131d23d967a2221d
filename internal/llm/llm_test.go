package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elldeeone/rnd-digest/internal/config"
)

func testConfig(url string) config.LLMConfig {
	cfg := config.DefaultConfig().LLM
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	cfg.Model = "test/model"
	cfg.AppURL = "https://example.com/rnd"
	cfg.AppTitle = "rnd-test"
	return cfg
}

func TestOpenAIClient_RequestAndResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Fatalf("auth header mismatch")
		}
		if r.Header.Get("HTTP-Referer") != "https://example.com/rnd" || r.Header.Get("X-Title") != "rnd-test" {
			t.Fatalf("attribution headers missing: %v", r.Header)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["model"] != "test/model" {
			t.Fatalf("model = %v", body["model"])
		}
		if body["max_tokens"].(float64) != 321 {
			t.Fatalf("max_tokens = %v", body["max_tokens"])
		}
		msgs := body["messages"].([]any)
		if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
			t.Fatalf("messages = %v", msgs)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-1",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "  - bullet one\n"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	client := NewOpenAI(testConfig(srv.URL), nil)
	if client.Model() != "test/model" {
		t.Errorf("Model() = %q", client.Model())
	}
	out, err := client.Chat(context.Background(), []Message{System("sys"), User("hi")}, Options{
		Temperature: 0.2,
		MaxTokens:   321,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if out != "- bullet one" {
		t.Errorf("out = %q", out)
	}
}

func TestOpenAIClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(testConfig(srv.URL), nil).Chat(context.Background(), []Message{User("x")}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenAIClient_EmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "   "}}},
		})
	}))
	defer srv.Close()

	_, err := NewOpenAI(testConfig(srv.URL), nil).Chat(context.Background(), []Message{User("x")}, Options{})
	if err == nil {
		t.Fatal("expected error for empty reply")
	}
}

func TestOpenAIClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewOpenAI(testConfig(srv.URL), nil).Chat(context.Background(), []Message{User("x")}, Options{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honoured: %v", time.Since(start))
	}
}

func TestNew_Disabled(t *testing.T) {
	cfg := config.DefaultConfig().LLM
	cfg.APIKey = ""
	if _, err := New(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	cfg.APIKey = "k"
	cfg.Enabled = false
	if _, err := New(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
	cfg.Enabled = true
	if c, err := New(cfg); err != nil || c == nil {
		t.Errorf("New error: %v", err)
	}
}

func TestScripted(t *testing.T) {
	boom := errors.New("boom")
	s := &Scripted{Replies: []string{"one", ""}, Errs: []error{nil, boom}}

	out, err := s.Chat(context.Background(), []Message{User("a")}, Options{MaxTokens: 5})
	if err != nil || out != "one" {
		t.Fatalf("call 1 = %q, %v", out, err)
	}
	if _, err := s.Chat(context.Background(), nil, Options{}); !errors.Is(err, boom) {
		t.Fatalf("call 2 err = %v", err)
	}
	if _, err := s.Chat(context.Background(), nil, Options{}); err == nil {
		t.Fatal("call 3 should fail")
	}
	if s.CallCount() != 3 || s.Opts[0].MaxTokens != 5 {
		t.Errorf("calls = %d opts = %+v", s.CallCount(), s.Opts)
	}
}

func TestClampTokens(t *testing.T) {
	if ClampTokens(100, 400, 1000) != 400 || ClampTokens(5000, 400, 1000) != 1000 || ClampTokens(700, 400, 1000) != 700 {
		t.Error("ClampTokens bounds wrong")
	}
}
