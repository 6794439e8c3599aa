package main

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// Scraped text occasionally arrives with raw HTML still in it when the
// upstream extractor fell back to the page body. Converting it to markdown
// before truncation keeps the token budget spent on prose, not markup.

var htmlMarkers = []string{"<html", "<body", "<div", "<p>", "<br", "<span", "<table"}

// looksLikeHTML is a cheap gate: any common structural tag in the first few
// kilobytes counts.
func looksLikeHTML(text string) bool {
	probe := strings.ToLower(text)
	if len(probe) > 4096 {
		probe = probe[:4096]
	}
	for _, marker := range htmlMarkers {
		if strings.Contains(probe, marker) {
			return true
		}
	}
	return false
}

// NormalizeScrapedText converts HTML-looking scraped text to markdown. Any
// conversion failure returns the original text unchanged; normalization is
// best-effort and never fatal.
func NormalizeScrapedText(text string) string {
	if !looksLikeHTML(text) {
		return text
	}
	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(text)
	if err != nil {
		log.WithError(err).Debug("html-to-markdown conversion failed, keeping raw text")
		return text
	}
	return markdown
}
