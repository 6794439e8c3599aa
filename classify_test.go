package main

import (
	"errors"
	"fmt"
	"testing"
)

func rawResp(status int, body string) *RawResponse {
	return &RawResponse{StatusCode: status, Body: []byte(body)}
}

func TestClassify(t *testing.T) {
	genericErr := errors.New("something broke")

	tests := []struct {
		name     string
		raw      *RawResponse
		err      error
		expected FailureCause
	}{
		{
			"http 429",
			rawResp(429, `{"error":{"code":429,"message":"quota"}}`),
			genericErr,
			CauseRateLimit,
		},
		{
			"resource exhausted status",
			rawResp(400, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota exceeded"}}`),
			genericErr,
			CauseRateLimit,
		},
		{
			"rate limit detail reason",
			rawResp(403, `{"error":{"message":"denied","details":[{"reason":"RATE_LIMIT_EXCEEDED_PER_MINUTE"}]}}`),
			genericErr,
			CauseRateLimit,
		},
		{
			"invalid key",
			rawResp(400, `{"error":{"message":"API key not valid. Please pass a valid API key."}}`),
			genericErr,
			CauseInvalidKey,
		},
		{
			"input too large",
			rawResp(400, `{"error":{"message":"The input token count (2000000) exceeds the maximum number of tokens allowed (1048575)."}}`),
			genericErr,
			CauseInputTooLarge,
		},
		{
			"request too long",
			rawResp(400, `{"error":{"message":"Request payload is too long."}}`),
			genericErr,
			CauseInputTooLarge,
		},
		{
			"overload 503",
			rawResp(503, `{"error":{"message":"The model is overloaded."}}`),
			genericErr,
			CauseOverload,
		},
		{
			"safety block",
			rawResp(200, `{}`),
			ErrSafetyBlocked,
			CauseSafetyBlocked,
		},
		{
			"wrapped safety block",
			nil,
			fmt.Errorf("call failed: %w", ErrSafetyBlocked),
			CauseSafetyBlocked,
		},
		{
			"network error no response",
			nil,
			genericErr,
			CauseRetryable,
		},
		{
			"unparseable error body",
			rawResp(400, `not json`),
			genericErr,
			CauseRetryable,
		},
		{
			"validation failure",
			rawResp(200, `{"candidates":[]}`),
			errors.New("validation: missing required keys"),
			CauseRetryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.raw, tt.err); got != tt.expected {
				t.Errorf("Classify() = %s, want %s", got, tt.expected)
			}
		})
	}
}

// Input-too-large on a 400 must win over anything else the body could also
// match; a 400 that only mentions the key must not read as too-large.
func TestClassifyPrecedence(t *testing.T) {
	raw := rawResp(400, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"input token count of request exceeds the maximum"}}`)
	if got := Classify(raw, errors.New("HTTP 400")); got != CauseInputTooLarge {
		t.Errorf("Classify() = %s, want %s", got, CauseInputTooLarge)
	}
}

func TestFailureCauseProperties(t *testing.T) {
	tests := []struct {
		cause       FailureCause
		terminal    bool
		keySpecific bool
	}{
		{CauseInputTooLarge, true, false},
		{CauseSafetyBlocked, true, false},
		{CauseInvalidKey, false, true},
		{CauseRateLimit, false, true},
		{CauseOverload, false, false},
		{CauseRetryable, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.cause.String(), func(t *testing.T) {
			if tt.cause.Terminal() != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", tt.cause.Terminal(), tt.terminal)
			}
			if tt.cause.KeySpecific() != tt.keySpecific {
				t.Errorf("KeySpecific() = %v, want %v", tt.cause.KeySpecific(), tt.keySpecific)
			}
		})
	}
}
