// Command statectl inspects and edits the pipeline's state files. Removing an
// entry forces that source, event, or file to be reprocessed on the next run;
// resetting the key index restarts rotation from the first key.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// stateDocument covers all three state file shapes; only the fields present in
// a given file are populated.
type stateDocument struct {
	Processed       []string          `json:"processed,omitempty"`
	ProcessedEvents []string          `json:"processed_events,omitempty"`
	ProcessedFiles  []string          `json:"processed_files,omitempty"`
	FailedFiles     map[string]string `json:"failed_files,omitempty"`
	ActiveKeyIndex  *int              `json:"active_key_index,omitempty"`
	LastUpdated     string            `json:"last_updated,omitempty"`
}

func loadState(path string) (*stateDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &doc, nil
}

func saveState(path string, doc *stateDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// entries returns whichever processed list the file carries.
func (d *stateDocument) entries() []string {
	switch {
	case d.ProcessedEvents != nil:
		return d.ProcessedEvents
	case d.ProcessedFiles != nil:
		return d.ProcessedFiles
	default:
		return d.Processed
	}
}

func (d *stateDocument) setEntries(entries []string) {
	sort.Strings(entries)
	switch {
	case d.ProcessedEvents != nil:
		d.ProcessedEvents = entries
	case d.ProcessedFiles != nil:
		d.ProcessedFiles = entries
	default:
		d.Processed = entries
	}
}

var listCmd = &cobra.Command{
	Use:   "list <state-file>",
	Short: "Print the processed entries of a state file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadState(args[0])
		if err != nil {
			return err
		}
		if doc.ActiveKeyIndex != nil {
			fmt.Printf("active_key_index: %d\n", *doc.ActiveKeyIndex)
		}
		entries := doc.entries()
		fmt.Printf("processed (%d):\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  %s\n", e)
		}
		if len(doc.FailedFiles) > 0 {
			fmt.Printf("failed (%d):\n", len(doc.FailedFiles))
			keys := make([]string, 0, len(doc.FailedFiles))
			for k := range doc.FailedFiles {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, doc.FailedFiles[k])
			}
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <state-file> <substring>...",
	Short: "Remove entries matching any substring, forcing reprocessing",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadState(args[0])
		if err != nil {
			return err
		}
		patterns := args[1:]
		matches := func(entry string) bool {
			for _, p := range patterns {
				if strings.Contains(entry, p) {
					return true
				}
			}
			return false
		}

		var kept []string
		removed := 0
		for _, e := range doc.entries() {
			if matches(e) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		doc.setEntries(kept)
		for k := range doc.FailedFiles {
			if matches(k) {
				delete(doc.FailedFiles, k)
				removed++
			}
		}

		if removed == 0 {
			fmt.Println("no entries matched")
			return nil
		}
		if err := saveState(args[0], doc); err != nil {
			return err
		}
		fmt.Printf("removed %d entries\n", removed)
		return nil
	},
}

var resetKeyCmd = &cobra.Command{
	Use:   "reset-key <state-file>",
	Short: "Reset the active key index to 0",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadState(args[0])
		if err != nil {
			return err
		}
		if doc.ActiveKeyIndex == nil {
			return fmt.Errorf("%s carries no active_key_index", args[0])
		}
		zero := 0
		doc.ActiveKeyIndex = &zero
		if err := saveState(args[0], doc); err != nil {
			return err
		}
		fmt.Println("active_key_index reset to 0")
		return nil
	},
}

var rootCmd = &cobra.Command{
	Use:   "statectl",
	Short: "Inspect and edit history-writer state files",
}

func main() {
	rootCmd.AddCommand(listCmd, removeCmd, resetKeyCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
