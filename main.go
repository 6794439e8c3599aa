package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	settingsPath string
	stateDir     string
	inputDir     string
	outputDir    string
	debugMode    bool
	debugLogFile string
)

var rootCmd = &cobra.Command{
	Use:   "history-writer",
	Short: "Synthesizes cited historical articles from scraped sources using AI",
	Long: `A three-stage pipeline for turning scraped historical sources into
structured, citation-tracked articles: per-source relevance classification,
multi-source synthesis with inline citations and translations, and a final
deterministic decomposition into sections and paragraphs.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			enableDebugLogging(debugLogFile)
		}
	},
}

var stage1Cmd = &cobra.Command{
	Use:   "stage1",
	Short: "Classify each scraped source for relevance and extract its facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		config, err := NewConfig(settingsPath)
		if err != nil {
			return err
		}
		state := LoadProgressState(filepath.Join(stateDir, Stage1StateFile), len(config.KeyModels), false)
		client := NewGeminiClient(config.Settings.API.BaseURL, config.Settings.Stage1.Timeout(), nil)

		engine, err := NewStage1Engine(config, client, state, inputDir, outputDir)
		if err != nil {
			return err
		}
		defer saveStateFinal(state)
		return engine.Run(ctx)
	},
}

var stage2Cmd = &cobra.Command{
	Use:   "stage2",
	Short: "Synthesize one cited article per event and translate it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		config, err := NewConfig(settingsPath)
		if err != nil {
			return err
		}
		state := LoadProgressState(filepath.Join(stateDir, Stage2StateFile), len(config.KeyModels), true)
		client := NewGeminiClient(config.Settings.API.BaseURL, config.Settings.Stage2.Timeout(),
			&config.Settings.Stage2.Generation)

		engine, err := NewStage2Engine(config, client, state, inputDir, outputDir)
		if err != nil {
			return err
		}
		defer saveStateFinal(state)
		return engine.Run(ctx)
	},
}

var stage3Cmd = &cobra.Command{
	Use:   "stage3",
	Short: "Decompose synthesized articles into sections with resolved citations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		state := LoadFileState(filepath.Join(stateDir, Stage3StateFile))
		engine := NewStage3Engine(inputDir, outputDir, state)
		return engine.Run(ctx)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run all three stages in sequence",
	Long: `Runs stage 1, stage 2, and stage 3 back to back, wiring each stage's
output directory to the next stage's input. --input-dir is the scraped input
tree; --output-dir is the root under which stage1/, stage2/, and stage3/
subdirectories are created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		config, err := NewConfig(settingsPath)
		if err != nil {
			return err
		}

		stage1Out := filepath.Join(outputDir, "stage1")
		stage2Out := filepath.Join(outputDir, "stage2")
		stage3Out := filepath.Join(outputDir, "stage3")

		s1State := LoadProgressState(filepath.Join(stateDir, Stage1StateFile), len(config.KeyModels), false)
		s1Client := NewGeminiClient(config.Settings.API.BaseURL, config.Settings.Stage1.Timeout(), nil)
		s1, err := NewStage1Engine(config, s1Client, s1State, inputDir, stage1Out)
		if err != nil {
			return err
		}
		if err := s1.Run(ctx); err != nil {
			return fmt.Errorf("stage 1: %w", err)
		}
		saveStateFinal(s1State)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s2State := LoadProgressState(filepath.Join(stateDir, Stage2StateFile), len(config.KeyModels), true)
		s2Client := NewGeminiClient(config.Settings.API.BaseURL, config.Settings.Stage2.Timeout(),
			&config.Settings.Stage2.Generation)
		s2, err := NewStage2Engine(config, s2Client, s2State, stage1Out, stage2Out)
		if err != nil {
			return err
		}
		if err := s2.Run(ctx); err != nil {
			return fmt.Errorf("stage 2: %w", err)
		}
		saveStateFinal(s2State)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s3State := LoadFileState(filepath.Join(stateDir, Stage3StateFile))
		s3 := NewStage3Engine(stage2Out, stage3Out, s3State)
		if err := s3.Run(ctx); err != nil {
			return fmt.Errorf("stage 3: %w", err)
		}
		return nil
	},
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. Engines finish
// the current unit, flush state, and exit cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// saveStateFinal is the end-of-run flush; per-unit saves already happened, so
// failure here only risks the key index of an empty run.
func saveStateFinal(state *ProgressState) {
	if err := state.Save(); err != nil {
		log.WithError(err).Error("failed to save final state")
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Path to settings.yaml (default: .history-writer/settings.yaml, created on first run)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultConfigDir, "Directory for stage state files")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&debugLogFile, "debug-log", "", "Also write debug logs as JSON to this file")

	stage1Cmd.Flags().StringVar(&inputDir, "input-dir", "input", "Directory of scraped input JSON files")
	stage1Cmd.Flags().StringVar(&outputDir, "output-dir", "stage1_output", "Directory for per-source relevance results")

	stage2Cmd.Flags().StringVar(&inputDir, "input-dir", "stage1_output", "Directory of stage 1 output files")
	stage2Cmd.Flags().StringVar(&outputDir, "output-dir", "stage2_output", "Directory for synthesized article files")

	stage3Cmd.Flags().StringVar(&inputDir, "input-dir", "stage2_output", "Directory of stage 2 article files")
	stage3Cmd.Flags().StringVar(&outputDir, "output-dir", "stage3_output", "Directory for final structured articles")

	runCmd.Flags().StringVar(&inputDir, "input-dir", "input", "Directory of scraped input JSON files")
	runCmd.Flags().StringVar(&outputDir, "output-dir", "output", "Root directory for all stage outputs")

	rootCmd.AddCommand(stage1Cmd, stage2Cmd, stage3Cmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
