package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrModelBudget signals that the prompt scaffold alone exceeds the model's
// context window. The rotator skips straight to the next key/model pair.
var ErrModelBudget = errors.New("prompt scaffold exceeds model token budget")

// AttemptFunc performs one prepared attempt against a specific key/model pair:
// build the prompt for that model's budget, call the API, and validate the
// output. A nil error means validated success; otherwise the raw response and
// error feed the classifier.
type AttemptFunc func(ctx context.Context, km KeyModel, keyIndex int) (string, *RawResponse, error)

// Outcome is the rotator's terminal verdict for one unit of work.
// StatusAborted means the surrounding run was interrupted; callers must not
// record it or mark the unit processed.
type Outcome struct {
	Status       ProcessingStatus // StatusSuccess, StatusFailedInputSize, StatusFailed, StatusFailedAllKeys, StatusAborted
	Text         string
	KeyIndex     int
	KeyModel     KeyModel
	ErrorMessage string
}

// Rotator owns the retry-per-key / rotate-across-keys policy. It starts at the
// persisted active key index and advances it only on key-specific failures
// (invalid key, rate limit); retry-cap exhaustion rotates locally without
// touching the persisted index. The index never rolls back mid-run.
type Rotator struct {
	keyModels []KeyModel
	tuning    StageTuning
	state     *ProgressState
	sleep     func(time.Duration)
	rng       *rand.Rand
}

// NewRotator wires a rotator to its key list, tuning, and the state store that
// persists the active key index.
func NewRotator(keyModels []KeyModel, tuning StageTuning, state *ProgressState) *Rotator {
	return &Rotator{
		keyModels: keyModels,
		tuning:    tuning,
		state:     state,
		sleep:     time.Sleep,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run drives one unit of work through the rotation state machine. It tries at
// most len(keyModels) distinct pairs, each with up to RetriesPerKey attempts,
// and always terminates with an explicit status.
func (r *Rotator) Run(ctx context.Context, unitID string, attempt AttemptFunc) Outcome {
	total := len(r.keyModels)
	if total == 0 {
		return Outcome{Status: StatusFailed, ErrorMessage: "no API keys configured"}
	}

	current := r.state.KeyIndex()
	if current < 0 || current >= total {
		current = 0
	}
	lastErr := ""

	for tried := 0; tried < total; tried++ {
		if ctx.Err() != nil {
			return Outcome{Status: StatusAborted, KeyIndex: current, ErrorMessage: ctx.Err().Error()}
		}
		km := r.keyModels[current]
		logUnit := log.WithFields(map[string]interface{}{
			"unit": unitID, "key_index": current, "model": km.Model,
		})
		logUnit.Infof("trying key %d/%d", tried+1, total)

		switchCause, errMsg := r.tryKey(ctx, km, current, attempt, logUnit)
		switch switchCause {
		case causeSuccessInternal:
			return Outcome{Status: StatusSuccess, Text: errMsg, KeyIndex: current, KeyModel: km}
		case causeAbortedInternal:
			logUnit.Info("interrupted, stopping rotation")
			return Outcome{Status: StatusAborted, KeyIndex: current, KeyModel: km, ErrorMessage: errMsg}
		case CauseInputTooLarge:
			return Outcome{Status: StatusFailedInputSize, KeyIndex: current, KeyModel: km,
				ErrorMessage: fmt.Sprintf("input too large for %s: %s", km.Model, errMsg)}
		case CauseSafetyBlocked:
			return Outcome{Status: StatusFailed, KeyIndex: current, KeyModel: km,
				ErrorMessage: "blocked by safety settings"}
		}
		lastErr = errMsg

		// Rotate. Key-specific causes advance the persisted global index;
		// exhausted retries only rotate locally.
		next := (current + 1) % total
		if switchCause.KeySpecific() {
			logUnit.Warnf("key-specific failure (%s), advancing active key index to %d", switchCause, next)
			r.state.SetKeyIndex(next)
			if err := r.state.Save(); err != nil {
				logUnit.WithError(err).Error("failed to persist key index")
			}
		} else {
			logUnit.Warnf("retries exhausted (%s), rotating to key %d locally", switchCause, next)
		}
		current = next
		if tried < total-1 {
			r.sleep(time.Duration(r.tuning.KeySwitchDelaySeconds) * time.Second)
		}
	}

	return Outcome{Status: StatusFailedAllKeys, KeyIndex: current,
		ErrorMessage: fmt.Sprintf("all %d keys exhausted, last error: %s", total, lastErr)}
}

// Private sentinels for tryKey's success and interrupt paths; they never
// leave the rotator.
const (
	causeSuccessInternal FailureCause = -1
	causeAbortedInternal FailureCause = -2
)

// tryKey runs up to RetriesPerKey attempts on one key/model pair. It returns
// the cause that ended the key (or the success sentinel, with the text in the
// second return).
func (r *Rotator) tryKey(ctx context.Context, km KeyModel, keyIndex int, attempt AttemptFunc, logUnit *logrus.Entry) (FailureCause, string) {
	retries := r.tuning.RetriesPerKey
	if retries < 1 {
		retries = 1
	}
	lastMsg := ""

	for i := 0; i < retries; i++ {
		if ctx.Err() != nil {
			return causeAbortedInternal, ctx.Err().Error()
		}
		r.sleep(r.jitter())

		text, raw, err := attempt(ctx, km, keyIndex)
		if err == nil {
			return causeSuccessInternal, text
		}
		// An interrupt mid-attempt is not the key's fault; stop without
		// burning retries or rotating.
		if ctx.Err() != nil {
			return causeAbortedInternal, truncateError(err)
		}
		if errors.Is(err, ErrModelBudget) {
			return CauseRetryable, err.Error()
		}
		lastMsg = truncateError(err)

		cause := Classify(raw, err)
		if cause.Terminal() || cause.KeySpecific() {
			return cause, lastMsg
		}
		logUnit.Warnf("attempt %d/%d failed (%s): %s", i+1, retries, cause, lastMsg)
		if i < retries-1 {
			r.sleep(time.Duration(r.tuning.ErrorDelaySeconds) * time.Second)
		}
	}
	return CauseRetryable, lastMsg
}

// jitter returns a small randomized pre-call delay to avoid bursty request
// patterns.
func (r *Rotator) jitter() time.Duration {
	min, max := r.tuning.CallJitterMinSeconds, r.tuning.CallJitterMaxSeconds
	if max <= min {
		return time.Duration(min) * time.Second
	}
	return time.Duration(min)*time.Second + time.Duration(r.rng.Int63n(int64(max-min)*int64(time.Second)))
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
