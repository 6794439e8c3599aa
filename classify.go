package main

import (
	"encoding/json"
	"errors"
	"strings"
)

// FailureCause is the classifier's verdict on a failed LLM call. The values
// are ordered by check precedence: terminal causes first, then key-specific
// causes, then same-key retries.
type FailureCause int

const (
	// CauseInputTooLarge: the content itself cannot fit this model tier.
	// Terminal for the unit, no key switch helps.
	CauseInputTooLarge FailureCause = iota
	// CauseSafetyBlocked: the endpoint refused the content. Terminal.
	CauseSafetyBlocked
	// CauseInvalidKey: credential rejected. Switch keys, advance the
	// persisted index.
	CauseInvalidKey
	// CauseRateLimit: quota exhausted on this key. Switch keys, advance the
	// persisted index.
	CauseRateLimit
	// CauseOverload: transient server overload. Retry the same key after a
	// delay.
	CauseOverload
	// CauseRetryable: timeout, network error, malformed body, validation
	// failure. Retry the same key up to the cap.
	CauseRetryable
)

func (c FailureCause) String() string {
	switch c {
	case CauseInputTooLarge:
		return "input_too_large"
	case CauseSafetyBlocked:
		return "safety_blocked"
	case CauseInvalidKey:
		return "invalid_key"
	case CauseRateLimit:
		return "rate_limit"
	case CauseOverload:
		return "overload"
	default:
		return "retryable"
	}
}

// Terminal reports whether the cause ends processing of the current unit.
func (c FailureCause) Terminal() bool {
	return c == CauseInputTooLarge || c == CauseSafetyBlocked
}

// KeySpecific reports whether the cause should advance the persisted active
// key index.
func (c FailureCause) KeySpecific() bool {
	return c == CauseInvalidKey || c == CauseRateLimit
}

// errorBody is the structured error JSON the endpoint returns alongside non-2xx
// statuses.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

func parseErrorBody(raw *RawResponse) (errorBody, bool) {
	var body errorBody
	if raw == nil || len(raw.Body) == 0 {
		return body, false
	}
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return body, false
	}
	return body, true
}

// IsRateLimit matches HTTP 429 or a RESOURCE_EXHAUSTED / RATE_LIMIT_EXCEEDED
// structured error.
func IsRateLimit(raw *RawResponse) bool {
	if raw == nil {
		return false
	}
	if raw.StatusCode == 429 {
		return true
	}
	body, ok := parseErrorBody(raw)
	if !ok {
		return false
	}
	if body.Error.Status == "RESOURCE_EXHAUSTED" {
		return true
	}
	for _, d := range body.Error.Details {
		if strings.Contains(d.Reason, "RATE_LIMIT_EXCEEDED") {
			return true
		}
	}
	return false
}

// IsInvalidKey matches an HTTP 400 whose message says the credential is not
// valid.
func IsInvalidKey(raw *RawResponse) bool {
	if raw == nil || raw.StatusCode != 400 {
		return false
	}
	body, ok := parseErrorBody(raw)
	if !ok {
		return false
	}
	msg := strings.ToLower(body.Error.Message)
	return strings.Contains(msg, "api key not valid") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(body.Error.Message, "API_KEY_INVALID")
}

// IsInputTooLarge matches an HTTP 400 reporting that the input token count
// exceeds the model's maximum.
func IsInputTooLarge(raw *RawResponse) bool {
	if raw == nil || raw.StatusCode != 400 {
		return false
	}
	body, ok := parseErrorBody(raw)
	if !ok {
		return false
	}
	msg := strings.ToLower(body.Error.Message)
	if strings.Contains(msg, "input token count") && strings.Contains(msg, "exceeds the maximum") {
		return true
	}
	return strings.Contains(msg, "token limit") || strings.Contains(msg, "too long")
}

// IsOverload matches HTTP 503.
func IsOverload(raw *RawResponse) bool {
	return raw != nil && raw.StatusCode == 503
}

// Classify inspects a failed call and picks the single cause driving the next
// rotation decision. Checks run in fixed precedence: input-too-large and
// safety (terminal) before invalid-key and rate-limit (switch) before overload
// (retry same key); everything unmatched is generic-retryable.
func Classify(raw *RawResponse, err error) FailureCause {
	switch {
	case IsInputTooLarge(raw):
		return CauseInputTooLarge
	case errors.Is(err, ErrSafetyBlocked):
		return CauseSafetyBlocked
	case IsInvalidKey(raw):
		return CauseInvalidKey
	case IsRateLimit(raw):
		return CauseRateLimit
	case IsOverload(raw):
		return CauseOverload
	default:
		return CauseRetryable
	}
}
