package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"occam/internal/bot"
	"occam/internal/config"
	"occam/internal/extract"
	"occam/internal/fetch"
	"occam/internal/journal"
	"occam/internal/message"
	"occam/internal/notion"
	"occam/internal/pipeline"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "occam",
	Short:   "Chat-to-Notion knowledge capture",
	Long:    "Occam turns chat messages containing a link and notes into structured knowledge records in a Notion database.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger = setupLogger(cfg.Logging.Level, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(checkSchemaCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogger(level string, verbose bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	l := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	return l
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("occam", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/occam/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure Feishu, LLM, and Notion credentials.")
		return nil
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Feishu webhook server and process inbound messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		pipe, writer := buildPipeline()

		// A schema mismatch here is misconfiguration and fatal to the process.
		if _, err := writer.CheckSchema(ctx); err != nil {
			return fmt.Errorf("notion schema check: %w", err)
		}

		jnl, err := openJournal()
		if err != nil {
			return err
		}
		defer jnl.Close()

		feishu := bot.NewFeishuClient(cfg.Feishu)
		notifier := bot.NewNotifier(feishu)
		server := bot.NewServer(ctx, pipe, jnl, notifier, cfg.Feishu.VerificationToken, logger)

		return bot.Serve(ctx, cfg.Server.Port, server, logger)
	},
}

// --- save command ---

var saveCmd = &cobra.Command{
	Use:   "save <url> [notes...]",
	Short: "Save a link from the command line, bypassing the bot",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		pipe, writer := buildPipeline()
		if _, err := writer.CheckSchema(ctx); err != nil {
			return fmt.Errorf("notion schema check: %w", err)
		}

		msg := message.Inbound{
			MessageID:  fmt.Sprintf("cli-%d", time.Now().UnixNano()),
			ChatID:     "cli",
			SenderID:   "cli",
			Text:       strings.Join(args, " "),
			ReceivedAt: time.Now(),
		}

		outcome := pipe.Handle(ctx, msg)
		fmt.Println(bot.FormatOutcome(outcome))
		if outcome.Failed() {
			return fmt.Errorf("save failed at %s stage", outcome.Stage)
		}
		return nil
	},
}

// --- check-schema command ---

var checkSchemaCmd = &cobra.Command{
	Use:   "check-schema",
	Short: "Verify the Notion database schema against configured property names",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		writer := notion.NewWriter(cfg.Notion, logger)
		report, err := writer.CheckSchema(ctx)
		if report == nil {
			return err
		}

		fmt.Println("Notion schema check:")
		for _, res := range report.Resolutions {
			mark := "ok"
			detail := fmt.Sprintf("-> %q (%s)", res.Property, res.GotType)
			if !res.OK {
				mark = "FAIL"
				if res.Property == "" {
					detail = "property not found"
				} else {
					detail = fmt.Sprintf("-> %q has type %s, want %s", res.Property, res.GotType, res.WantType)
				}
			}
			fmt.Printf("  [%s] %-18s %q %s\n", mark, res.Field, res.Configured, detail)
		}

		if !report.OK() {
			fmt.Printf("\nAvailable properties: %s\n", strings.Join(report.Available, ", "))
			return fmt.Errorf("schema mismatch")
		}
		fmt.Println("\nAll fields resolved.")
		return nil
	},
}

func buildPipeline() (*pipeline.Pipeline, *notion.Writer) {
	fetcher := fetch.New(cfg.Fetch)
	extractor := extract.New(extract.NewChatClient(cfg.LLM), cfg.LLM, logger)
	writer := notion.NewWriter(cfg.Notion, logger)
	return pipeline.New(fetcher, extractor, writer, logger), writer
}

func openJournal() (*journal.Journal, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return journal.Open(filepath.Join(dataDir, "occam.db"))
}
