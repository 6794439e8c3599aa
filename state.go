package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// State file names, one per stage. All three are plain JSON, safe to hand-edit:
// removing an entry forces that unit to be reprocessed on the next run.
const (
	Stage1StateFile = "stage1_progress.json"
	Stage2StateFile = "stage2_progress.json"
	Stage3StateFile = "stage3_processing_state.json"
)

// ProgressState is the durable record shared by Stage 1 and Stage 2: the set
// of processed unit ids plus the active key index that survives across runs.
type ProgressState struct {
	path      string
	processed map[string]bool
	keyIndex  int
	eventKey  bool // Stage 2 uses the processed_events field name
}

type progressStateFile struct {
	Processed       []string `json:"processed,omitempty"`
	ProcessedEvents []string `json:"processed_events,omitempty"`
	ActiveKeyIndex  int      `json:"active_key_index"`
	LastUpdated     string   `json:"last_updated,omitempty"`
}

// LoadProgressState reads a Stage 1/2 state file. A missing or corrupt file
// yields a fresh state; an out-of-range key index is clamped back to 0.
func LoadProgressState(path string, totalKeys int, eventKey bool) *ProgressState {
	s := &ProgressState{path: path, processed: make(map[string]bool), eventKey: eventKey}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("state_file", path).Error("error loading state, starting fresh")
		}
		return s
	}

	var file progressStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.WithError(err).WithField("state_file", path).Error("corrupt state file, starting fresh")
		return s
	}

	ids := file.Processed
	if eventKey {
		ids = file.ProcessedEvents
	}
	for _, id := range ids {
		s.processed[id] = true
	}
	s.keyIndex = file.ActiveKeyIndex
	if s.keyIndex < 0 || (totalKeys > 0 && s.keyIndex >= totalKeys) {
		log.WithField("active_key_index", s.keyIndex).Warn("stored key index out of range, reset to 0")
		s.keyIndex = 0
	}
	log.WithFields(map[string]interface{}{
		"state_file": path, "processed": len(s.processed), "active_key_index": s.keyIndex,
	}).Info("loaded state")
	return s
}

// Save writes the whole state file. Called after every unit of work so a crash
// loses at most one item's progress.
func (s *ProgressState) Save() error {
	ids := make([]string, 0, len(s.processed))
	for id := range s.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	file := progressStateFile{ActiveKeyIndex: s.keyIndex}
	if s.eventKey {
		file.ProcessedEvents = ids
		file.LastUpdated = time.Now().Format(time.RFC3339)
	} else {
		file.Processed = ids
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file %s: %w", s.path, err)
	}
	return nil
}

// IsProcessed reports whether a unit id is already in the processed set.
func (s *ProgressState) IsProcessed(id string) bool { return s.processed[id] }

// MarkProcessed adds a unit id to the processed set. Call Save afterwards.
func (s *ProgressState) MarkProcessed(id string) { s.processed[id] = true }

// ProcessedCount returns the size of the processed set.
func (s *ProgressState) ProcessedCount() int { return len(s.processed) }

// KeyIndex returns the persisted active key index.
func (s *ProgressState) KeyIndex() int { return s.keyIndex }

// SetKeyIndex records a new active key index. Only key-specific failures
// (invalid key, rate limit) should advance it.
func (s *ProgressState) SetKeyIndex(i int) { s.keyIndex = i }

// FileState is the Stage 3 record: processed input files plus failed ones with
// their last error message.
type FileState struct {
	path      string
	Processed map[string]bool
	Failed    map[string]string
}

type fileStateFile struct {
	ProcessedFiles []string          `json:"processed_files"`
	FailedFiles    map[string]string `json:"failed_files"`
}

// LoadFileState reads the Stage 3 state file, tolerating missing or corrupt
// content the same way LoadProgressState does.
func LoadFileState(path string) *FileState {
	s := &FileState{path: path, Processed: make(map[string]bool), Failed: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("state_file", path).Error("error loading state, starting fresh")
		}
		return s
	}
	var file fileStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.WithError(err).WithField("state_file", path).Error("corrupt state file, starting fresh")
		return s
	}
	for _, p := range file.ProcessedFiles {
		s.Processed[normalizePath(p)] = true
	}
	for p, msg := range file.FailedFiles {
		s.Failed[normalizePath(p)] = msg
	}
	return s
}

// Save writes the whole Stage 3 state file.
func (s *FileState) Save() error {
	failed := make(map[string]string, len(s.Failed))
	for p, msg := range s.Failed {
		failed[p] = msg
	}
	file := fileStateFile{
		ProcessedFiles: sortedKeys(s.Processed),
		FailedFiles:    failed,
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file %s: %w", s.path, err)
	}
	return nil
}

// IsProcessed reports whether a file was already formatted successfully.
func (s *FileState) IsProcessed(path string) bool { return s.Processed[path] }

// MarkProcessed records a successful file and clears any earlier failure.
func (s *FileState) MarkProcessed(path string) {
	s.Processed[path] = true
	delete(s.Failed, path)
}

// MarkFailed records a failed file with its error. The file stays out of the
// processed set so the next run retries it.
func (s *FileState) MarkFailed(path, msg string) { s.Failed[path] = msg }

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return filepath.Clean(abs)
}
