package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Stage2Engine synthesizes one cited article per event from the relevant
// Stage 1 results, then produces translated renditions of it. The unit of
// work is the whole event: it only becomes processed once the English article
// and every translation are on disk.
type Stage2Engine struct {
	config          *Config
	caller          LLMCaller
	state           *ProgressState
	rotator         *Rotator
	inputDir        string
	outputDir       string
	prompt          string
	translatePrompt string
	stats           RunStats
}

// NewStage2Engine validates both prompt templates and wires the engine.
func NewStage2Engine(config *Config, caller LLMCaller, state *ProgressState, inputDir, outputDir string) (*Stage2Engine, error) {
	prompt := config.Stage2Prompt()
	if err := requirePlaceholders(prompt, "{{.EventName}}", "{{.ConsolidatedSources}}"); err != nil {
		return nil, fmt.Errorf("stage2 prompt template: %w", err)
	}
	translate := config.TranslatePrompt()
	if err := requirePlaceholders(translate, "{{.LanguageName}}", "{{.ArticleText}}"); err != nil {
		return nil, fmt.Errorf("translate prompt template: %w", err)
	}
	return &Stage2Engine{
		config:          config,
		caller:          caller,
		state:           state,
		rotator:         NewRotator(config.KeyModels, config.Settings.Stage2.StageTuning, state),
		inputDir:        inputDir,
		outputDir:       outputDir,
		prompt:          prompt,
		translatePrompt: translate,
	}, nil
}

// Run processes every Stage 1 output file under inputDir in sorted order.
func (e *Stage2Engine) Run(ctx context.Context) error {
	files, err := findScrapedFiles(e.inputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.WithField("input_dir", e.inputDir).Warn("no JSON files found")
		return nil
	}
	log.WithField("files", len(files)).Info("starting stage 2")

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		e.stats.Files++
		if err := e.processEvent(ctx, path); err != nil {
			log.WithError(err).WithField("file", path).Error("skipping file")
		}
	}

	log.WithFields(logrus.Fields{
		"files":     e.stats.Files,
		"attempted": e.stats.Attempted,
		"succeeded": e.stats.Succeeded,
		"failed":    e.stats.Failed,
		"skipped":   e.stats.Skipped,
	}).Info("stage 2 run complete")
	return nil
}

func (e *Stage2Engine) processEvent(ctx context.Context, path string) error {
	doc := &Stage1Document{}
	if err := loadJSON(path, doc); err != nil {
		return err
	}
	eventID := EventID(doc.InputFilePath, doc.Event)
	if e.state.IsProcessed(eventID) {
		log.WithField("event", doc.Event).Debug("already processed, skipping")
		return nil
	}

	sources := CollectRelevantSources(doc)
	logEvent := log.WithFields(logrus.Fields{"event": doc.Event, "relevant_sources": len(sources)})

	if len(sources) == 0 {
		logEvent.Warn("no relevant sources, nothing to synthesize")
		e.stats.Record(StatusSkippedNoSources)
		return e.markProcessed(eventID)
	}

	article, status := e.synthesize(ctx, doc.Event, sources)
	if status == StatusAborted {
		logEvent.Info("interrupted before completion, leaving event unprocessed")
		return nil
	}
	if status != StatusSuccess {
		e.stats.Record(status)
		logEvent.WithField("status", status).Error("synthesis failed")
		if status == StatusFailedAllKeys || status == StatusFailedTokenLimit || status == StatusFailed {
			// Recorded as done so one poisoned event cannot stall every run;
			// clearing its state entry forces a retry.
			return e.markProcessed(eventID)
		}
		return nil
	}

	outDir := mirrorOutputDir(path, e.inputDir, e.outputDir)
	englishPath := filepath.Join(outDir, safeEventName(doc.Event)+"_stage2_output_en.json")
	if err := saveJSON(englishPath, article.article); err != nil {
		logEvent.WithError(err).Error("failed to save article")
		e.stats.Record(StatusFailedSave)
		return nil
	}
	e.stats.Record(StatusSuccess)
	logEvent.WithField("output", englishPath).Info("article synthesized")

	e.translateAll(ctx, article, outDir)
	return e.markProcessed(eventID)
}

func (e *Stage2Engine) markProcessed(eventID string) error {
	e.state.MarkProcessed(eventID)
	return e.state.Save()
}

// CollectRelevantSources flattens a Stage 1 document into the ordered list of
// relevant sources. Languages are visited in sorted order and results in
// document order, so ordinal [n] assignments are stable across runs.
func CollectRelevantSources(doc *Stage1Document) []*RelevantSource {
	langs := make([]string, 0, len(doc.Results))
	for lang := range doc.Results {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	var sources []*RelevantSource
	for _, lang := range langs {
		for _, r := range doc.Results[lang] {
			if r.Status != StatusSuccess || !r.Verdict.Relevant() {
				continue
			}
			sources = append(sources, &RelevantSource{
				SourceUID:         r.SourceUID,
				SourceURL:         r.SourceMetadata.SourceURL,
				SourceSummary:     r.Verdict.SourceSummary,
				ExtractedKeyFacts: r.Verdict.ExtractedKeyFacts,
			})
		}
	}
	return sources
}

// escapeBraces defuses template-delimiter sequences inside untrusted data
// before it is spliced into a prompt template.
func escapeBraces(s string) string {
	s = strings.ReplaceAll(s, "{{", "{ {")
	return strings.ReplaceAll(s, "}}", "} }")
}

// BuildReferenceBlock renders the consolidated source list the synthesis
// prompt cites by ordinal. Source k in the block is citation marker [k].
func BuildReferenceBlock(sources []*RelevantSource) string {
	var b strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&b, "Source %d (Reference: %s):\n", i+1, escapeBraces(src.SourceURL))
		fmt.Fprintf(&b, "  Summary: %s\n", escapeBraces(src.SourceSummary))
		b.WriteString("  Key Facts:\n")
		for _, fact := range src.ExtractedKeyFacts {
			fmt.Fprintf(&b, "   - %s\n", escapeBraces(fact))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// synthesized pairs the parsed article with the key/model that produced it,
// so translations reuse the same pair.
type synthesized struct {
	article *Stage2Article
	km      KeyModel
}

func (e *Stage2Engine) synthesize(ctx context.Context, eventName string, sources []*RelevantSource) (*synthesized, ProcessingStatus) {
	refBlock := BuildReferenceBlock(sources)
	refs := make([]string, len(sources))
	for i, src := range sources {
		refs[i] = src.SourceURL
	}

	var result *synthesized

	outcome := e.rotator.Run(ctx, "event:"+eventName, func(ctx context.Context, km KeyModel, keyIndex int) (string, *RawResponse, error) {
		prompt := renderStage2Prompt(e.prompt, eventName, refBlock)
		if estimateTokens(prompt)+promptTokenBuffer > km.MaxTokens {
			return "", nil, fmt.Errorf("%w: model %s", ErrModelBudget, km.Model)
		}

		text, raw, err := e.caller.Call(ctx, km.Key, km.Model, prompt)
		if err != nil {
			return "", raw, err
		}
		text = strings.TrimSpace(text)
		if len(text) < e.config.Settings.Stage2.MinTextLength {
			return "", raw, fmt.Errorf("validation: article text too short (%d chars)", len(text))
		}

		// The raw text keeps its H1 line verbatim; translation and the final
		// formatter both consume it whole.
		result = &synthesized{
			article: &Stage2Article{
				EventName:        eventName,
				ArticleTitle:     extractArticleTitle(text, eventName),
				ArticleTextRaw:   text,
				SourceReferences: refs,
			},
			km: km,
		}
		return text, raw, nil
	})

	switch outcome.Status {
	case StatusSuccess:
		return result, StatusSuccess
	case StatusFailedInputSize:
		// For a whole-event prompt an oversized input means the consolidated
		// reference block itself does not fit any model tier.
		return nil, StatusFailedTokenLimit
	default:
		return nil, outcome.Status
	}
}

// renderStage2Prompt substitutes the template variables, consolidated sources
// last so their content is never re-substituted.
func renderStage2Prompt(template, eventName, refBlock string) string {
	prompt := strings.ReplaceAll(template, "{{.EventName}}", eventName)
	return strings.ReplaceAll(prompt, "{{.ConsolidatedSources}}", refBlock)
}

// extractArticleTitle reads the H1 title when the article starts with one;
// otherwise a fallback title is derived from the event name.
func extractArticleTitle(text, eventName string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "# ") {
		line, _, _ := strings.Cut(trimmed, "\n")
		return strings.TrimSpace(strings.TrimPrefix(line, "# "))
	}
	return fmt.Sprintf("Article on %s", eventName)
}

// translateAll produces one translated article file per configured language.
// Translation failures are logged and skipped; they never fail the event.
func (e *Stage2Engine) translateAll(ctx context.Context, syn *synthesized, outDir string) {
	langs := make([]string, 0, len(e.config.Settings.Stage2.Languages))
	for code := range e.config.Settings.Stage2.Languages {
		langs = append(langs, code)
	}
	sort.Strings(langs)

	for _, code := range langs {
		if ctx.Err() != nil {
			return
		}
		name := e.config.Settings.Stage2.Languages[code]
		translated, err := e.translate(ctx, syn, name)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"event": syn.article.EventName, "language": code,
			}).Warn("translation failed, skipping language")
			continue
		}

		// Translated titles come from the translated H1; a translation that
		// dropped the heading keeps the English title.
		title := syn.article.ArticleTitle
		if strings.HasPrefix(translated, "# ") {
			title = extractArticleTitle(translated, syn.article.EventName)
		}
		out := &Stage2Article{
			EventName:        syn.article.EventName,
			ArticleTitle:     title,
			ArticleTextRaw:   translated,
			SourceReferences: syn.article.SourceReferences,
		}
		path := filepath.Join(outDir, safeEventName(syn.article.EventName)+"_stage2_output_"+code+".json")
		if err := saveJSON(path, out); err != nil {
			log.WithError(err).WithField("output", path).Error("failed to save translation")
			continue
		}
		log.WithFields(logrus.Fields{"language": code, "output": path}).Info("translation saved")
	}
}

// translate runs one translation call on the key/model pair that produced the
// English article. Citation markers must survive the translation verbatim.
func (e *Stage2Engine) translate(ctx context.Context, syn *synthesized, languageName string) (string, error) {
	prompt := strings.ReplaceAll(e.translatePrompt, "{{.LanguageName}}", languageName)
	prompt = strings.ReplaceAll(prompt, "{{.ArticleText}}", syn.article.ArticleTextRaw)

	text, _, err := e.caller.Call(ctx, syn.km.Key, syn.km.Model, prompt)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty translation")
	}
	return text, nil
}
