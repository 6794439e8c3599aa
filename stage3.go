package main

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Citation markers are [n] or [n, m, ...] with optional interior whitespace.
var citationMarkerRe = regexp.MustCompile(`\[\s*\d+(\s*,\s*\d+)*\s*\]`)

var multiSpaceRe = regexp.MustCompile(`\s\s+`)

// Stage3Engine decomposes synthesized articles into sections and paragraphs
// and resolves each paragraph's citation markers to source URLs. It is fully
// deterministic: no network, no LLM.
type Stage3Engine struct {
	inputDir  string
	outputDir string
	state     *FileState
	stats     RunStats
}

func NewStage3Engine(inputDir, outputDir string, state *FileState) *Stage3Engine {
	return &Stage3Engine{inputDir: inputDir, outputDir: outputDir, state: state}
}

// Run formats every Stage 2 article file under inputDir. Files that fail to
// parse are recorded with their error and retried on the next run.
func (e *Stage3Engine) Run(ctx context.Context) error {
	files, err := findScrapedFiles(e.inputDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.WithField("input_dir", e.inputDir).Warn("no JSON files found")
		return nil
	}
	log.WithField("files", len(files)).Info("starting stage 3")

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		e.stats.Files++
		key := normalizePath(path)
		if e.state.IsProcessed(key) {
			log.WithField("file", path).Debug("already formatted, skipping")
			continue
		}

		if err := e.processFile(path); err != nil {
			log.WithError(err).WithField("file", path).Error("formatting failed")
			e.stats.Record(StatusFailed)
			e.state.MarkFailed(key, err.Error())
		} else {
			e.stats.Record(StatusSuccess)
			e.state.MarkProcessed(key)
		}
		if err := e.state.Save(); err != nil {
			log.WithError(err).Error("failed to save state")
		}
	}

	log.WithFields(logrus.Fields{
		"files":     e.stats.Files,
		"succeeded": e.stats.Succeeded,
		"failed":    e.stats.Failed,
	}).Info("stage 3 run complete")
	return nil
}

func (e *Stage3Engine) processFile(path string) error {
	article := &Stage2Article{}
	if err := loadJSON(path, article); err != nil {
		return err
	}
	if strings.TrimSpace(article.ArticleTextRaw) == "" {
		return fmt.Errorf("article text is empty")
	}

	doc := FormatArticle(article)

	lang := languageSuffix(path)
	outDir := mirrorOutputDir(path, e.inputDir, e.outputDir)
	outPath := filepath.Join(outDir, safeEventName(article.EventName)+"_stage3_final_"+lang+".json")
	if err := saveJSON(outPath, doc); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"file": path, "output": outPath, "sections": len(doc.Sections),
	}).Info("article formatted")
	return nil
}

// languageSuffix sniffs the language code from a Stage 2 output filename
// (..._en.json, ..._ar.json). Unknown names default to en.
func languageSuffix(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndex(base, "_"); i >= 0 {
		suffix := base[i+1:]
		if len(suffix) == 2 {
			return suffix
		}
	}
	return "en"
}

// FormatArticle structurally decomposes one synthesized article: sections on
// "## " subtitles, paragraphs on blank lines, citation markers resolved to the
// article's ordered source references and stripped from the text.
func FormatArticle(article *Stage2Article) *Stage3Document {
	doc := &Stage3Document{
		EventName:    article.EventName,
		ArticleTitle: article.ArticleTitle,
	}

	body := strings.TrimSpace(article.ArticleTextRaw)
	// An H1 duplicating article_title is dropped; a mismatching one stays in
	// the body. Title drift is worth a warning, not a failure.
	if strings.HasPrefix(body, "# ") {
		line, rest, _ := strings.Cut(body, "\n")
		h1 := strings.TrimSpace(strings.TrimPrefix(line, "# "))
		if normalizeTitle(h1) == normalizeTitle(article.ArticleTitle) {
			body = strings.TrimSpace(rest)
		} else {
			log.WithFields(logrus.Fields{"h1": h1, "article_title": article.ArticleTitle}).
				Warn("leading H1 does not match the article title, keeping it in the body")
		}
	}

	chunks := strings.Split("\n"+body, "\n## ")
	for i, chunk := range chunks {
		var subtitle, content string
		if i == 0 {
			// Text before the first subtitle is the implicit introduction;
			// dropped entirely when empty.
			subtitle = "Introduction"
			content = strings.TrimSpace(chunk)
			if content == "" {
				continue
			}
		} else {
			// A bare "## " marker with nothing under it is noise, not a section.
			if strings.TrimSpace(chunk) == "" {
				continue
			}
			subtitle, content, _ = strings.Cut(chunk, "\n")
			subtitle = strings.TrimSpace(subtitle)
			content = strings.TrimSpace(content)
		}

		sectionIdx := len(doc.Sections)
		section := &Section{Subtitle: subtitle}
		for _, block := range splitParagraphs(content) {
			para := buildParagraph(block, article.SourceReferences, sectionIdx, len(section.Paragraphs))
			if para == nil {
				continue
			}
			section.Paragraphs = append(section.Paragraphs, para)
		}
		// Subtitle-only sections are kept: the heading structure is part of
		// the article.
		doc.Sections = append(doc.Sections, section)
	}
	return doc
}

// Blank lines separate paragraphs even when they carry stray spaces or tabs.
var paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)

// splitParagraphs splits section content on blank lines.
func splitParagraphs(content string) []string {
	var blocks []string
	for _, block := range paragraphSplitRe.Split(content, -1) {
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// buildParagraph resolves and strips the citation markers of one paragraph.
// Returns nil when the paragraph is empty after stripping. Section and
// paragraph indexes are zero-based.
func buildParagraph(block string, references []string, sectionIdx, paraIdx int) *Paragraph {
	urls := resolveCitations(block, references)
	text := stripCitations(block)
	if text == "" {
		return nil
	}
	return &Paragraph{
		ParagraphID: fmt.Sprintf("s%d_p%d", sectionIdx, paraIdx),
		Text:        text,
		SourceURLs:  urls,
	}
}

// resolveCitations maps every marker ordinal in the block to its source URL
// and returns the sorted unique set. Ordinals outside 1..len(references) are
// dropped with a warning.
func resolveCitations(block string, references []string) []string {
	seen := make(map[string]bool)
	for _, marker := range citationMarkerRe.FindAllString(block, -1) {
		inner := strings.Trim(marker, "[]")
		for _, part := range strings.Split(inner, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if n < 1 || n > len(references) {
				log.WithFields(logrus.Fields{"ordinal": n, "references": len(references)}).
					Warn("citation ordinal out of range, dropping")
				continue
			}
			seen[references[n-1]] = true
		}
	}
	urls := make([]string, 0, len(seen))
	for url := range seen {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// normalizeTitle lowercases and collapses whitespace for title comparison.
func normalizeTitle(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// stripCitations removes all citation markers and normalizes the whitespace
// the removal leaves behind.
func stripCitations(block string) string {
	text := citationMarkerRe.ReplaceAllString(block, "")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
