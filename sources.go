package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Scraper output document shape. Produced by the scraping/filtering
// collaborators; consumed read-only here.
type scrapedDocument struct {
	Event          string                   `json:"event"`
	ScrapedResults map[string][]scrapedItem `json:"scraped_results"`
}

type scrapedItem struct {
	OriginalResult struct {
		URL string `json:"url"`
	} `json:"original_result"`
	MainURLScrape *struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		ScrapedText string `json:"scraped_text"`
		Status      string `json:"status"`
	} `json:"main_url_scrape"`
	LinkedPDFsFound []struct {
		PDFURL      string `json:"pdf_url"`
		LinkText    string `json:"link_text"`
		ScrapedText string `json:"scraped_text"`
		Status      string `json:"status"`
	} `json:"linked_pdfs_found"`
}

// ScrapedFile is one scraper output file with its sources flattened in
// document order: per language, main URL scrape first, then linked PDFs.
type ScrapedFile struct {
	Path      string
	EventName string
	Sources   []*SourceRecord
}

// LoadScrapedFile parses one scraper output file. The event name falls back to
// the file's base name when the document does not carry one.
func LoadScrapedFile(path string) (*ScrapedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc scrapedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	eventName := doc.Event
	if eventName == "" {
		eventName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	file := &ScrapedFile{Path: path, EventName: eventName}

	langs := make([]string, 0, len(doc.ScrapedResults))
	for lang := range doc.ScrapedResults {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	for _, lang := range langs {
		for _, item := range doc.ScrapedResults[lang] {
			if item.MainURLScrape != nil {
				file.Sources = append(file.Sources, &SourceRecord{
					InputPath:       path,
					Language:        lang,
					OriginalItemURL: item.OriginalResult.URL,
					SourceType:      SourceMainURL,
					SourceURL:       item.MainURLScrape.URL,
					ScrapedText:     item.MainURLScrape.ScrapedText,
				})
			}
			for _, pdf := range item.LinkedPDFsFound {
				file.Sources = append(file.Sources, &SourceRecord{
					InputPath:       path,
					Language:        lang,
					OriginalItemURL: item.OriginalResult.URL,
					SourceType:      SourceLinkedPDF,
					SourceURL:       pdf.PDFURL,
					LinkText:        pdf.LinkText,
					ScrapedText:     pdf.ScrapedText,
				})
			}
		}
	}
	return file, nil
}

// findScrapedFiles lists all JSON files under dir, sorted, so processing order
// is stable across runs.
func findScrapedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// SourceUID derives the idempotency key for one source: the input file's path
// relative to the parent of its "input" ancestor directory, joined with the
// source URL. Stable across runs on the same filesystem layout; falls back to
// the absolute path when no "input" ancestor exists.
func SourceUID(inputPath, sourceURL string) string {
	return fmt.Sprintf("%s|%s", inputRelativePath(inputPath), sourceURL)
}

func inputRelativePath(inputPath string) string {
	abs, err := filepath.Abs(inputPath)
	if err != nil {
		abs = filepath.Clean(inputPath)
	}

	dir := filepath.Dir(abs)
	for {
		if filepath.Base(dir) == "input" {
			rel, err := filepath.Rel(filepath.Dir(dir), abs)
			if err == nil {
				return filepath.ToSlash(rel)
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.ToSlash(abs)
}

// EventID is the Stage 2 idempotency key for one event within one input file.
func EventID(inputFilePath, eventName string) string {
	return fmt.Sprintf("%s|%s", inputFilePath, eventName)
}

// safeEventName sanitizes an event name for use in output filenames.
func safeEventName(eventName string) string {
	var b strings.Builder
	for _, r := range eventName {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// mirrorOutputDir maps an input file to the matching directory under outputDir,
// preserving the input tree's relative structure.
func mirrorOutputDir(inputFilePath, inputDir, outputDir string) string {
	rel, err := filepath.Rel(inputDir, inputFilePath)
	if err != nil {
		return outputDir
	}
	return filepath.Join(outputDir, filepath.Dir(rel))
}
