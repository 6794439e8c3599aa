package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.expected {
			t.Errorf("estimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.expected)
		}
	}
}

func TestTruncateText(t *testing.T) {
	text := strings.Repeat("a", 1000)

	t.Run("fits untouched", func(t *testing.T) {
		got, info := truncateText(text, 300)
		if got != text || info.Truncated {
			t.Errorf("text within budget must not be truncated, info = %+v", info)
		}
		if info.OriginalChars != 1000 || info.TruncatedChars != 1000 {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("cut to budget", func(t *testing.T) {
		got, info := truncateText(text, 100)
		if len(got) != 400 {
			t.Errorf("truncated length = %d, want 400", len(got))
		}
		if !info.Truncated || info.MaxCharsAllowed != 400 || info.EstimatedTokens != 100 {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("larger budget keeps prefix", func(t *testing.T) {
		varied := "The quick brown fox jumps over the lazy dog. " + strings.Repeat("More text here. ", 100)
		small, _ := truncateText(varied, 50)
		large, _ := truncateText(varied, 200)
		if !strings.HasPrefix(large, small) {
			t.Error("a larger budget must yield a superset of a smaller one")
		}
	})

	t.Run("zero budget", func(t *testing.T) {
		got, info := truncateText(text, 0)
		if got != "" || !info.Truncated {
			t.Errorf("got %d chars, info = %+v", len(got), info)
		}
	})
}

func TestParseRelevanceVerdict(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, v *RelevanceVerdict)
	}{
		{
			name:  "relevant",
			input: `{"relevance_status":"relevant","source_summary":"A summary.","extracted_key_facts":["fact one","fact two"]}`,
			check: func(t *testing.T, v *RelevanceVerdict) {
				if !v.Relevant() || v.SourceSummary != "A summary." || len(v.ExtractedKeyFacts) != 2 {
					t.Errorf("verdict = %+v", v)
				}
			},
		},
		{
			name:  "irrelevant",
			input: `{"relevance_status":"irrelevant","relevance_reason":"About fishing."}`,
			check: func(t *testing.T, v *RelevanceVerdict) {
				if v.Relevant() || v.RelevanceReason != "About fishing." {
					t.Errorf("verdict = %+v", v)
				}
			},
		},
		{
			name:  "fenced json",
			input: "```json\n{\"relevance_status\":\"irrelevant\",\"relevance_reason\":\"r\"}\n```",
			check: func(t *testing.T, v *RelevanceVerdict) {
				if v.Status != "irrelevant" {
					t.Errorf("verdict = %+v", v)
				}
			},
		},
		{
			name:    "relevant missing facts",
			input:   `{"relevance_status":"relevant","source_summary":"s"}`,
			wantErr: true,
		},
		{
			name:    "irrelevant missing reason",
			input:   `{"relevance_status":"irrelevant"}`,
			wantErr: true,
		},
		{
			name:    "unknown status",
			input:   `{"relevance_status":"maybe","relevance_reason":"r"}`,
			wantErr: true,
		},
		{
			name:    "facts not a list",
			input:   `{"relevance_status":"relevant","source_summary":"s","extracted_key_facts":"just text"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   "I think this source is relevant.",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseRelevanceVerdict(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseRelevanceVerdict() = %+v, want error", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRelevanceVerdict() error = %v", err)
			}
			tt.check(t, v)
		})
	}
}

func TestRenderStage1Prompt(t *testing.T) {
	template := "{{.TruncationNote}}Event: {{.EventName}}\n{{.RelevantExample}}\n{{.IrrelevantExample}}\nText: {{.SourceText}}"

	got := renderStage1Prompt(template, "Battle of Vienna", "the source body", "NOTE: truncated. ")
	if !strings.Contains(got, "Event: Battle of Vienna") {
		t.Error("event name not substituted")
	}
	if !strings.Contains(got, "Text: the source body") {
		t.Error("source text not substituted")
	}
	if !strings.Contains(got, "NOTE: truncated.") {
		t.Error("truncation note not substituted")
	}
	if strings.Contains(got, "{{.") {
		t.Errorf("unsubstituted placeholder in %q", got)
	}

	// Placeholder-looking text inside the source must survive literally.
	got = renderStage1Prompt(template, "Event", "body with {{.EventName}} inside", "")
	if !strings.Contains(got, "body with {{.EventName}} inside") {
		t.Error("placeholder inside source text was substituted")
	}
}

// fakeCaller scripts LLM responses for engine tests.
type fakeCaller struct {
	fn    func(key, model, prompt string) (string, *RawResponse, error)
	calls int
}

func (f *fakeCaller) Call(ctx context.Context, key, model, prompt string) (string, *RawResponse, error) {
	f.calls++
	return f.fn(key, model, prompt)
}

func testConfig() *Config {
	settings := &Settings{}
	applySettingsDefaults(settings)
	settings.API.Models = []ModelConfig{{Name: "test-model", MaxTokens: 1048575}}
	return &Config{
		Settings:  settings,
		KeyModels: []KeyModel{{Key: "test-key", Model: "test-model", MaxTokens: 1048575}},
	}
}

func writeScrapedFile(t *testing.T, dir, name, event, text string) string {
	t.Helper()
	doc := map[string]interface{}{
		"event": event,
		"scraped_results": map[string]interface{}{
			"en": []map[string]interface{}{
				{
					"original_result": map[string]string{"url": "https://portal.example/item"},
					"main_url_scrape": map[string]string{
						"url":          "https://archive.example/doc",
						"scraped_text": text,
					},
				},
			},
		},
	}
	path := filepath.Join(dir, name)
	if err := saveJSON(path, doc); err != nil {
		t.Fatal(err)
	}
	return path
}

func newStage1TestEngine(t *testing.T, fc *fakeCaller, state *ProgressState, inputDir, outputDir string) *Stage1Engine {
	t.Helper()
	engine, err := NewStage1Engine(testConfig(), fc, state, inputDir, outputDir)
	if err != nil {
		t.Fatalf("NewStage1Engine() error = %v", err)
	}
	engine.rotator.sleep = func(time.Duration) {}
	return engine
}

func TestStage1EngineProcessesSource(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	longText := strings.Repeat("The garrison held the walls through October. ", 10)
	writeScrapedFile(t, inputDir, "battle.json", "Battle of Vienna", longText)

	fc := &fakeCaller{fn: func(key, model, prompt string) (string, *RawResponse, error) {
		if !strings.Contains(prompt, "Battle of Vienna") {
			t.Error("prompt missing event name")
		}
		if !strings.Contains(prompt, "garrison held the walls") {
			t.Error("prompt missing source text")
		}
		return `{"relevance_status":"relevant","source_summary":"Defense of the city.","extracted_key_facts":["The garrison held."]}`,
			rawResp(200, `{}`), nil
	}}
	state := LoadProgressState(filepath.Join(t.TempDir(), "state.json"), 1, false)
	engine := newStage1TestEngine(t, fc, state, inputDir, outputDir)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1", fc.calls)
	}

	doc := &Stage1Document{}
	if err := loadJSON(filepath.Join(outputDir, "battle.json"), doc); err != nil {
		t.Fatalf("loading output: %v", err)
	}
	if doc.Event != "Battle of Vienna" {
		t.Errorf("event = %q", doc.Event)
	}
	results := doc.Results["en"]
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Status != StatusSuccess || !r.Verdict.Relevant() {
		t.Errorf("result = %+v", r)
	}
	if r.SourceMetadata.SourceURL != "https://archive.example/doc" {
		t.Errorf("source url = %q", r.SourceMetadata.SourceURL)
	}
	if !state.IsProcessed(r.SourceUID) {
		t.Error("source not marked processed")
	}
}

func TestStage1EngineIdempotent(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	longText := strings.Repeat("Relevant content about the siege and its aftermath. ", 5)
	writeScrapedFile(t, inputDir, "battle.json", "Siege", longText)

	statePath := filepath.Join(t.TempDir(), "state.json")
	verdict := `{"relevance_status":"irrelevant","relevance_reason":"r"}`

	first := &fakeCaller{fn: func(_, _, _ string) (string, *RawResponse, error) {
		return verdict, rawResp(200, `{}`), nil
	}}
	state := LoadProgressState(statePath, 1, false)
	if err := newStage1TestEngine(t, first, state, inputDir, outputDir).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if first.calls != 1 {
		t.Fatalf("first run calls = %d, want 1", first.calls)
	}

	second := &fakeCaller{fn: func(_, _, _ string) (string, *RawResponse, error) {
		return verdict, rawResp(200, `{}`), nil
	}}
	reloaded := LoadProgressState(statePath, 1, false)
	if err := newStage1TestEngine(t, second, reloaded, inputDir, outputDir).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if second.calls != 0 {
		t.Errorf("second run calls = %d, want 0", second.calls)
	}
}

func TestStage1EngineSkipsShortText(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeScrapedFile(t, inputDir, "short.json", "Event", "too short")

	fc := &fakeCaller{fn: func(_, _, _ string) (string, *RawResponse, error) {
		t.Fatal("API must not be called for short text")
		return "", nil, nil
	}}
	state := LoadProgressState(filepath.Join(t.TempDir(), "state.json"), 1, false)
	if err := newStage1TestEngine(t, fc, state, inputDir, outputDir).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc := &Stage1Document{}
	if err := loadJSON(filepath.Join(outputDir, "short.json"), doc); err != nil {
		t.Fatalf("loading output: %v", err)
	}
	r := doc.Results["en"][0]
	if r.Status != StatusSkippedShortText {
		t.Errorf("status = %s, want %s", r.Status, StatusSkippedShortText)
	}
	if !state.IsProcessed(r.SourceUID) {
		t.Error("skipped source must still be marked processed")
	}
}

func TestStage1EngineInterruptLeavesSourceUnprocessed(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	longText := strings.Repeat("Enough text to pass the minimum length gate easily. ", 5)
	writeScrapedFile(t, inputDir, "battle.json", "Event", longText)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fc := &fakeCaller{fn: func(_, _, _ string) (string, *RawResponse, error) {
		cancel()
		return "", nil, context.Canceled
	}}
	state := LoadProgressState(filepath.Join(t.TempDir(), "state.json"), 1, false)
	if err := newStage1TestEngine(t, fc, state, inputDir, outputDir).Run(ctx); err != nil {
		t.Fatal(err)
	}

	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries after an interrupt)", fc.calls)
	}
	// The source stays unprocessed so the next run picks it up.
	if state.ProcessedCount() != 0 {
		t.Errorf("processed = %d, want 0", state.ProcessedCount())
	}
	if _, err := os.Stat(filepath.Join(outputDir, "battle.json")); !os.IsNotExist(err) {
		t.Error("no output document should exist for an interrupted source")
	}
}

func TestStage1EngineRecordsUnexpectedFailure(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	longText := strings.Repeat("Enough text to pass the minimum length gate easily. ", 5)
	writeScrapedFile(t, inputDir, "panic.json", "Event", longText)

	fc := &fakeCaller{fn: func(_, _, _ string) (string, *RawResponse, error) {
		panic("bug in response handling")
	}}
	state := LoadProgressState(filepath.Join(t.TempDir(), "state.json"), 1, false)
	if err := newStage1TestEngine(t, fc, state, inputDir, outputDir).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc := &Stage1Document{}
	if err := loadJSON(filepath.Join(outputDir, "panic.json"), doc); err != nil {
		t.Fatal(err)
	}
	r := doc.Results["en"][0]
	if r.Status != StatusFailedUnexpected {
		t.Errorf("status = %s, want %s", r.Status, StatusFailedUnexpected)
	}
	if !strings.Contains(r.ErrorMessage, "bug in response handling") {
		t.Errorf("error message = %q", r.ErrorMessage)
	}
	if !state.IsProcessed(r.SourceUID) {
		t.Error("unexpectedly failed source must still be marked processed")
	}
}

func TestStage1EngineRecordsFailureAndMovesOn(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	longText := strings.Repeat("Enough text to pass the minimum length gate easily. ", 5)
	writeScrapedFile(t, inputDir, "blocked.json", "Event", longText)

	fc := &fakeCaller{fn: func(_, _, _ string) (string, *RawResponse, error) {
		return "", rawResp(200, `{}`), ErrSafetyBlocked
	}}
	state := LoadProgressState(filepath.Join(t.TempDir(), "state.json"), 1, false)
	if err := newStage1TestEngine(t, fc, state, inputDir, outputDir).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	doc := &Stage1Document{}
	if err := loadJSON(filepath.Join(outputDir, "blocked.json"), doc); err != nil {
		t.Fatal(err)
	}
	r := doc.Results["en"][0]
	if r.Status != StatusFailed {
		t.Errorf("status = %s, want %s", r.Status, StatusFailed)
	}
	if !state.IsProcessed(r.SourceUID) {
		t.Error("failed source must be marked processed to avoid a poison loop")
	}
}
