package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrSafetyBlocked marks a response the endpoint refused to complete. Hard
// failure for the unit, never retried.
var ErrSafetyBlocked = errors.New("response blocked by safety settings")

// RawResponse carries the HTTP status and body of an LLM call so the error
// classifier can inspect them without re-reading the network.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

// LLMCaller is the single-call contract: one HTTP request, all failure modes
// returned as data, nothing raised. Policy lives entirely in the caller.
type LLMCaller interface {
	Call(ctx context.Context, key, model, prompt string) (string, *RawResponse, error)
}

// GeminiClient talks to a Gemini-style generateContent endpoint. The API key
// travels in the query string, the model in the path.
type GeminiClient struct {
	baseURL    string
	httpClient *http.Client
	generation *GenerationConfig
}

// NewGeminiClient builds a client with a fixed per-call timeout. generation is
// optional; when set it is sent as the request's generationConfig block.
func NewGeminiClient(baseURL string, timeout time.Duration, generation *GenerationConfig) *GeminiClient {
	return &GeminiClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		generation: generation,
	}
}

type generateRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Call performs one generateContent request. On any failure the error and the
// raw response (when one exists) are both returned; the text is only non-empty
// on a structurally sound HTTP 200.
func (c *GeminiClient) Call(ctx context.Context, key, model, prompt string) (string, *RawResponse, error) {
	var req generateRequest
	req.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	req.Contents[0].Parts = make([]struct {
		Text string `json:"text"`
	}, 1)
	req.Contents[0].Parts[0].Text = prompt
	req.GenerationConfig = c.generation

	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("encoding request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(model), url.QueryEscape(key))

	// An interrupt never cancels a call already in flight; it completes (or
	// hits the client timeout) so finished work is not thrown away.
	httpReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("calling model %s: %w", model, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RawResponse{StatusCode: resp.StatusCode}, fmt.Errorf("reading response body: %w", err)
	}
	raw := &RawResponse{StatusCode: resp.StatusCode, Body: respBody}

	if resp.StatusCode != http.StatusOK {
		return "", raw, fmt.Errorf("model %s returned HTTP %d", model, resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", raw, fmt.Errorf("decoding response JSON: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return "", raw, errors.New("response has no candidates")
	}
	candidate := parsed.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		if candidate.FinishReason == "SAFETY" {
			return "", raw, ErrSafetyBlocked
		}
		return "", raw, errors.New("response candidate has no content parts")
	}
	return candidate.Content.Parts[0].Text, raw, nil
}
