package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Token budget math shared by both LLM stages. Tokens are approximated as
// characters divided by a fixed ratio; the buffer absorbs the scaffold
// estimate's error margin.
const (
	tokenEstimationRatio = 4
	promptTokenBuffer    = 2000
)

// estimateTokens approximates the token count of text.
func estimateTokens(text string) int {
	return len(text) / tokenEstimationRatio
}

// TruncationInfo records whether and how much a source text was cut to fit a
// model's context window.
type TruncationInfo struct {
	Truncated       bool
	OriginalChars   int
	TruncatedChars  int
	MaxCharsAllowed int
	EstimatedTokens int
}

// truncateText cuts text to fit maxTokens. The result is always a prefix of
// the input, so a larger budget yields a superset of a smaller one.
func truncateText(text string, maxTokens int) (string, TruncationInfo) {
	maxChars := maxTokens * tokenEstimationRatio
	if maxChars < 0 {
		maxChars = 0
	}
	info := TruncationInfo{
		OriginalChars:   len(text),
		TruncatedChars:  len(text),
		MaxCharsAllowed: maxChars,
		EstimatedTokens: estimateTokens(text),
	}
	if len(text) <= maxChars {
		return text, info
	}
	truncated := text[:maxChars]
	info.Truncated = true
	info.TruncatedChars = len(truncated)
	info.EstimatedTokens = estimateTokens(truncated)
	return truncated, info
}

// Example output shapes shown to the model inside the Stage 1 prompt.
const (
	relevantExampleJSON   = `{"relevance_status": "relevant", "source_summary": "...", "extracted_key_facts": ["...", "..."]}`
	irrelevantExampleJSON = `{"relevance_status": "irrelevant", "relevance_reason": "..."}`
)

var codeFenceRe = regexp.MustCompile("(?m)^\\s*```(?:json)?\\s*$")

// parseRelevanceVerdict parses and validates the Stage 1 LLM output against
// the two accepted shapes. Any deviation is a validation error the caller
// treats as retryable.
func parseRelevanceVerdict(rawOutput string) (*RelevanceVerdict, error) {
	cleaned := strings.TrimSpace(rawOutput)
	if cleaned == "" {
		return nil, fmt.Errorf("LLM output was empty")
	}
	cleaned = strings.TrimSpace(codeFenceRe.ReplaceAllString(cleaned, ""))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		snippet := cleaned
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("output is not a JSON object: %w (snippet: %q)", err, snippet)
	}

	var status string
	if raw, ok := fields["relevance_status"]; ok {
		if err := json.Unmarshal(raw, &status); err != nil {
			return nil, fmt.Errorf("relevance_status is not a string")
		}
	}

	switch status {
	case "relevant":
		summaryRaw, haveSummary := fields["source_summary"]
		factsRaw, haveFacts := fields["extracted_key_facts"]
		if !haveSummary || !haveFacts {
			return nil, fmt.Errorf("missing required keys for relevant status")
		}
		verdict := &RelevanceVerdict{Status: status}
		if err := json.Unmarshal(summaryRaw, &verdict.SourceSummary); err != nil {
			return nil, fmt.Errorf("source_summary is not a string")
		}
		if err := json.Unmarshal(factsRaw, &verdict.ExtractedKeyFacts); err != nil {
			return nil, fmt.Errorf("extracted_key_facts is not a list of strings")
		}
		return verdict, nil
	case "irrelevant":
		reasonRaw, haveReason := fields["relevance_reason"]
		if !haveReason {
			return nil, fmt.Errorf("missing relevance_reason for irrelevant status")
		}
		verdict := &RelevanceVerdict{Status: status}
		if err := json.Unmarshal(reasonRaw, &verdict.RelevanceReason); err != nil {
			return nil, fmt.Errorf("relevance_reason is not a string")
		}
		return verdict, nil
	default:
		return nil, fmt.Errorf("invalid relevance_status %q, must be relevant or irrelevant", status)
	}
}

// Stage1Engine classifies each scraped source for relevance and extracts its
// facts, one source at a time, flushing output and state after every source.
type Stage1Engine struct {
	config    *Config
	caller    LLMCaller
	state     *ProgressState
	rotator   *Rotator
	inputDir  string
	outputDir string
	prompt    string
	stats     RunStats
}

// NewStage1Engine validates the prompt template and wires the engine to its
// collaborators.
func NewStage1Engine(config *Config, caller LLMCaller, state *ProgressState, inputDir, outputDir string) (*Stage1Engine, error) {
	prompt := config.Stage1Prompt()
	if err := requirePlaceholders(prompt,
		"{{.EventName}}", "{{.SourceText}}", "{{.TruncationNote}}",
		"{{.RelevantExample}}", "{{.IrrelevantExample}}"); err != nil {
		return nil, fmt.Errorf("stage1 prompt template: %w", err)
	}
	return &Stage1Engine{
		config:    config,
		caller:    caller,
		state:     state,
		rotator:   NewRotator(config.KeyModels, config.Settings.Stage1.StageTuning, state),
		inputDir:  inputDir,
		outputDir: outputDir,
		prompt:    prompt,
	}, nil
}

// requirePlaceholders fails when a template is missing a required variable.
func requirePlaceholders(template string, placeholders ...string) error {
	for _, p := range placeholders {
		if !strings.Contains(template, p) {
			return fmt.Errorf("template must contain %s", p)
		}
	}
	return nil
}

// Run processes every scraped input file under inputDir in sorted order,
// writing a mirrored output document per input file.
func (e *Stage1Engine) Run(ctx context.Context) error {
	files, err := findScrapedFiles(e.inputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.WithField("input_dir", e.inputDir).Warn("no JSON files found")
		return nil
	}
	log.WithField("files", len(files)).Info("starting stage 1")

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		e.stats.Files++
		if err := e.processFile(ctx, path); err != nil {
			log.WithError(err).WithField("file", path).Error("skipping file")
		}
	}

	e.logSummary()
	return nil
}

func (e *Stage1Engine) processFile(ctx context.Context, path string) error {
	file, err := LoadScrapedFile(path)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"file": path, "sources": len(file.Sources)}).Info("processing file")

	rel, err := filepath.Rel(e.inputDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	outputPath := filepath.Join(e.outputDir, rel)
	doc := e.loadOrCreateDocument(outputPath, file.EventName, rel)

	for _, src := range file.Sources {
		if ctx.Err() != nil {
			break
		}
		uid := SourceUID(src.InputPath, src.SourceURL)
		if e.state.IsProcessed(uid) {
			log.WithField("uid", uid).Debug("already processed, skipping")
			continue
		}

		result := e.processSource(ctx, src, file.EventName, uid)
		if result == nil {
			continue
		}
		e.stats.Record(result.Status)

		doc.Results[src.Language] = append(doc.Results[src.Language], result)
		if err := saveJSON(outputPath, doc); err != nil {
			log.WithError(err).WithField("output", outputPath).Error("failed to save output document")
			continue
		}
		// State only advances once the result is durably on disk.
		e.state.MarkProcessed(uid)
		if err := e.state.Save(); err != nil {
			log.WithError(err).Error("failed to save state")
		}
	}
	return nil
}

// loadOrCreateDocument reloads an existing output document so a resumed run
// appends to earlier results instead of overwriting them.
func (e *Stage1Engine) loadOrCreateDocument(outputPath, eventName, inputRel string) *Stage1Document {
	doc := &Stage1Document{
		Event:         eventName,
		InputFilePath: filepath.ToSlash(inputRel),
		Results:       make(map[string][]*Stage1Result),
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return doc
	}
	var existing Stage1Document
	if err := json.Unmarshal(data, &existing); err != nil {
		log.WithError(err).WithField("output", outputPath).Error("existing output unreadable, starting over")
		return doc
	}
	existing.Event = eventName
	existing.InputFilePath = doc.InputFilePath
	if existing.Results == nil {
		existing.Results = make(map[string][]*Stage1Result)
	}
	return &existing
}

// processSource runs one source through the short-text gate, normalization,
// and the rotation controller. A nil return means the source produced no
// result to record; the caller leaves it unprocessed.
func (e *Stage1Engine) processSource(ctx context.Context, src *SourceRecord, eventName, uid string) (result *Stage1Result) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("uid", uid).Errorf("unexpected failure: %v", r)
			if result == nil {
				result = &Stage1Result{SourceUID: uid}
			}
			result.Status = StatusFailedUnexpected
			result.ErrorMessage = fmt.Sprintf("unexpected: %v", r)
		}
	}()

	result = &Stage1Result{
		SourceUID: uid,
		SourceMetadata: SourceMetadata{
			OriginalItemURL: src.OriginalItemURL,
			SourceType:      src.SourceType,
			SourceURL:       src.SourceURL,
			LinkText:        src.LinkText,
			LanguageSection: src.Language,
		},
		ProcessingMetadata: ProcessingMetadata{OriginalChars: len(src.ScrapedText)},
		Status:             StatusPending,
	}

	minLen := e.config.Settings.Stage1.MinTextLength
	if len(src.ScrapedText) < minLen {
		log.WithFields(logrus.Fields{"uid": uid, "chars": len(src.ScrapedText)}).Warn("text too short, skipping")
		result.Status = StatusSkippedShortText
		result.ErrorMessage = fmt.Sprintf("text length < %d", minLen)
		return result
	}

	sourceText := NormalizeScrapedText(src.ScrapedText)

	var verdict *RelevanceVerdict
	var truncInfo TruncationInfo

	outcome := e.rotator.Run(ctx, uid, func(ctx context.Context, km KeyModel, keyIndex int) (string, *RawResponse, error) {
		prompt, info, err := e.buildPrompt(eventName, sourceText, km)
		if err != nil {
			return "", nil, err
		}
		truncInfo = info
		result.ProcessingMetadata.APIModelUsed = km.Model
		result.ProcessingMetadata.APIKeyIndexUsed = keyIndex

		text, raw, err := e.caller.Call(ctx, km.Key, km.Model, prompt)
		if err != nil {
			return "", raw, err
		}
		parsed, err := parseRelevanceVerdict(text)
		if err != nil {
			log.WithFields(logrus.Fields{"uid": uid, "model": km.Model}).
				Warnf("LLM output validation failed: %v", err)
			return "", raw, fmt.Errorf("validation: %w", err)
		}
		verdict = parsed
		return text, raw, nil
	})

	if outcome.Status == StatusAborted {
		log.WithField("uid", uid).Info("interrupted before completion, leaving source unprocessed")
		return nil
	}

	result.ProcessingMetadata.TextTruncated = truncInfo.Truncated
	result.ProcessingMetadata.TruncatedChars = truncInfo.TruncatedChars
	result.ProcessingMetadata.MaxCharsAllowed = truncInfo.MaxCharsAllowed
	result.ProcessingMetadata.EstimatedTokens = truncInfo.EstimatedTokens

	result.Status = outcome.Status
	result.ErrorMessage = outcome.ErrorMessage
	if outcome.Status == StatusSuccess {
		result.Verdict = verdict
		log.WithFields(logrus.Fields{"uid": uid, "relevance": verdict.Status}).Info("source processed")
	}
	return result
}

// buildPrompt fits the source text into the model's remaining budget and
// renders the full Stage 1 prompt.
func (e *Stage1Engine) buildPrompt(eventName, sourceText string, km KeyModel) (string, TruncationInfo, error) {
	scaffold := renderStage1Prompt(e.prompt, eventName, "", "")
	maxSourceTokens := km.MaxTokens - estimateTokens(scaffold) - promptTokenBuffer
	if maxSourceTokens <= 0 {
		return "", TruncationInfo{}, fmt.Errorf("%w: model %s", ErrModelBudget, km.Model)
	}

	truncated, info := truncateText(sourceText, maxSourceTokens)
	note := ""
	if info.Truncated {
		note = fmt.Sprintf("NOTE: Text TRUNCATED to approx %d tokens. ", info.EstimatedTokens)
		log.WithFields(logrus.Fields{"model": km.Model, "chars": info.TruncatedChars}).Warn("source text truncated")
	}
	return renderStage1Prompt(e.prompt, eventName, truncated, note), info, nil
}

// renderStage1Prompt substitutes the template variables. The source text is
// injected last so nothing inside it is ever re-substituted.
func renderStage1Prompt(template, eventName, sourceText, truncationNote string) string {
	prompt := strings.ReplaceAll(template, "{{.TruncationNote}}", truncationNote)
	prompt = strings.ReplaceAll(prompt, "{{.EventName}}", eventName)
	prompt = strings.ReplaceAll(prompt, "{{.RelevantExample}}", relevantExampleJSON)
	prompt = strings.ReplaceAll(prompt, "{{.IrrelevantExample}}", irrelevantExampleJSON)
	return strings.ReplaceAll(prompt, "{{.SourceText}}", sourceText)
}

func (e *Stage1Engine) logSummary() {
	log.WithFields(logrus.Fields{
		"files":     e.stats.Files,
		"attempted": e.stats.Attempted,
		"succeeded": e.stats.Succeeded,
		"failed":    e.stats.Failed,
		"skipped":   e.stats.Skipped,
		"processed_total":  e.state.ProcessedCount(),
		"active_key_index": e.state.KeyIndex(),
	}).Info("stage 1 run complete")
}

// loadJSON reads and decodes one JSON document.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// saveJSON writes a document as indented UTF-8 JSON, creating parent
// directories as needed.
func saveJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
