package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGeminiClientCall(t *testing.T) {
	var gotPath, gotKey string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"model output"}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	client := NewGeminiClient(server.URL, 5*time.Second, &GenerationConfig{Temperature: 0.2, MaxOutputTokens: 8192})
	text, raw, err := client.Call(context.Background(), "secret-key", "gemini-2.0-flash", "the prompt")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if text != "model output" {
		t.Errorf("text = %q", text)
	}
	if raw == nil || raw.StatusCode != 200 {
		t.Errorf("raw = %+v", raw)
	}
	if gotPath != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret-key" {
		t.Errorf("key = %q", gotKey)
	}

	var req map[string]json.RawMessage
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body not JSON: %v", err)
	}
	if _, ok := req["generationConfig"]; !ok {
		t.Error("request missing generationConfig")
	}
	if !strings.Contains(string(gotBody), "the prompt") {
		t.Error("request missing prompt text")
	}
}

func TestGeminiClientErrorStatusReturnsRaw(t *testing.T) {
	body := `{"error":{"code":503,"message":"The model is overloaded."}}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewGeminiClient(server.URL, 5*time.Second, nil)
	text, raw, err := client.Call(context.Background(), "k", "m", "p")
	if err == nil {
		t.Fatal("Call() must fail on HTTP 503")
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if raw == nil || raw.StatusCode != 503 || string(raw.Body) != body {
		t.Errorf("raw = %+v, classifier needs the full status and body", raw)
	}
}

func TestGeminiClientSafetyBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{},"finishReason":"SAFETY"}]}`))
	}))
	defer server.Close()

	client := NewGeminiClient(server.URL, 5*time.Second, nil)
	_, _, err := client.Call(context.Background(), "k", "m", "p")
	if !errors.Is(err, ErrSafetyBlocked) {
		t.Errorf("error = %v, want ErrSafetyBlocked", err)
	}
}

func TestGeminiClientEmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	client := NewGeminiClient(server.URL, 5*time.Second, nil)
	_, raw, err := client.Call(context.Background(), "k", "m", "p")
	if err == nil {
		t.Fatal("Call() must fail on an empty candidate list")
	}
	if errors.Is(err, ErrSafetyBlocked) {
		t.Error("missing candidates is not a safety block")
	}
	if raw == nil || raw.StatusCode != 200 {
		t.Errorf("raw = %+v", raw)
	}
}

func TestGeminiClientNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewGeminiClient(server.URL, time.Second, nil)
	_, raw, err := client.Call(context.Background(), "k", "m", "p")
	if err == nil {
		t.Fatal("Call() must fail against a closed server")
	}
	if raw != nil {
		t.Errorf("raw = %+v, want nil without a response", raw)
	}
}
