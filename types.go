package main

// SourceType distinguishes how a scraped source was discovered.
type SourceType string

const (
	SourceMainURL   SourceType = "main_url"
	SourceLinkedPDF SourceType = "linked_pdf"
)

// SourceRecord is one scraped document belonging to an event. Immutable once
// loaded from a scraper output file.
type SourceRecord struct {
	InputPath       string
	Language        string
	OriginalItemURL string
	SourceType      SourceType
	SourceURL       string
	LinkText        string
	ScrapedText     string
}

// ProcessingStatus is the terminal outcome of processing one unit of work.
type ProcessingStatus string

const (
	StatusPending          ProcessingStatus = "pending"
	StatusSuccess          ProcessingStatus = "success"
	StatusSkippedShortText ProcessingStatus = "skipped_short_text"
	StatusSkippedNoSources ProcessingStatus = "skipped_no_sources"
	StatusFailedInputSize  ProcessingStatus = "failed_input_too_large"
	StatusFailedTokenLimit ProcessingStatus = "failed_token_limit"
	StatusFailedAllKeys    ProcessingStatus = "failed_all_keys"
	StatusFailedSave       ProcessingStatus = "failed_save"
	StatusFailed           ProcessingStatus = "failed"
	StatusFailedUnexpected ProcessingStatus = "failed_unexpected"
	// StatusAborted means the run was interrupted before the unit finished.
	// Never written to output documents or state; the unit stays unprocessed
	// so the next run picks it up again.
	StatusAborted ProcessingStatus = "aborted"
)

// SourceMetadata echoes the identifying fields of the scraped source into a
// Stage 1 result so downstream stages never need the raw input files.
type SourceMetadata struct {
	OriginalItemURL string     `json:"original_item_url"`
	SourceType      SourceType `json:"source_type"`
	SourceURL       string     `json:"source_url"`
	LinkText        string     `json:"link_text,omitempty"`
	LanguageSection string     `json:"original_language_section"`
}

// ProcessingMetadata records how the source text was prepared and which
// key/model produced the result.
type ProcessingMetadata struct {
	TextTruncated   bool   `json:"text_truncated"`
	OriginalChars   int    `json:"original_text_length_chars"`
	TruncatedChars  int    `json:"truncated_text_length_chars"`
	MaxCharsAllowed int    `json:"max_chars_allowed"`
	EstimatedTokens int    `json:"estimated_tokens"`
	APIModelUsed    string `json:"api_model_used,omitempty"`
	APIKeyIndexUsed int    `json:"api_key_index_used"`
}

// RelevanceVerdict is the validated Stage 1 LLM output: exactly one of the
// relevant or irrelevant shapes, never both.
type RelevanceVerdict struct {
	Status            string   `json:"relevance_status"`
	SourceSummary     string   `json:"source_summary,omitempty"`
	ExtractedKeyFacts []string `json:"extracted_key_facts,omitempty"`
	RelevanceReason   string   `json:"relevance_reason,omitempty"`
}

// Relevant reports whether the verdict carries the relevant shape.
func (v *RelevanceVerdict) Relevant() bool {
	return v != nil && v.Status == "relevant"
}

// Stage1Result is the per-source output record. It is never mutated after its
// status leaves pending.
type Stage1Result struct {
	SourceUID          string             `json:"source_uid"`
	SourceMetadata     SourceMetadata     `json:"original_source_metadata"`
	ProcessingMetadata ProcessingMetadata `json:"processing_metadata"`
	Verdict            *RelevanceVerdict  `json:"llm_processed_output"`
	Status             ProcessingStatus   `json:"processing_status"`
	ErrorMessage       string             `json:"error_message,omitempty"`
}

// Stage1Document is the per-input-file output, grouped by source language.
type Stage1Document struct {
	Event         string                     `json:"event"`
	InputFilePath string                     `json:"input_file_path"`
	Results       map[string][]*Stage1Result `json:"stage1_processed_results"`
}

// RelevantSource is the flattened view of a successful, relevant Stage 1
// result. Its position in the consolidated list (1-based) is the ordinal the
// article's [n] markers refer to.
type RelevantSource struct {
	SourceUID         string   `json:"source_uid"`
	SourceURL         string   `json:"source_url"`
	SourceSummary     string   `json:"source_summary"`
	ExtractedKeyFacts []string `json:"extracted_key_facts"`
}

// Stage2Article is one synthesized (or translated) article for one event.
// SourceReferences[i] corresponds exactly to citation marker [i+1].
type Stage2Article struct {
	EventName        string   `json:"event_name"`
	ArticleTitle     string   `json:"article_title"`
	ArticleTextRaw   string   `json:"article_text_raw"`
	SourceReferences []string `json:"source_references_ordered"`
}

// Paragraph is one marker-stripped paragraph with its resolved source URLs.
type Paragraph struct {
	ParagraphID string   `json:"paragraph_id"`
	Text        string   `json:"text"`
	SourceURLs  []string `json:"source_URLs"`
}

// Section groups paragraphs under one subtitle. Subtitle-only sections are
// preserved.
type Section struct {
	Subtitle   string       `json:"subtitle"`
	Paragraphs []*Paragraph `json:"paragraphs"`
}

// Stage3Document is the final structured article, derived purely from a
// Stage2Article.
type Stage3Document struct {
	EventName    string     `json:"event_name"`
	ArticleTitle string     `json:"article_title"`
	Sections     []*Section `json:"sections"`
}

// RunStats accumulates per-run counters for the end-of-run summary.
type RunStats struct {
	Files     int
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
}

// Record updates the counters from one unit outcome.
func (s *RunStats) Record(status ProcessingStatus) {
	s.Attempted++
	switch status {
	case StatusSuccess:
		s.Succeeded++
	case StatusSkippedShortText, StatusSkippedNoSources:
		s.Skipped++
	default:
		s.Failed++
	}
}
