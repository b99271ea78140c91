package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chronicle/pkg/chatclient"
	_ "chronicle/pkg/chatclient/telegram" // registers the "telegram" ChatClient factory
	"chronicle/pkg/config"
	"chronicle/pkg/export"
	"chronicle/pkg/ingest"
	"chronicle/pkg/llmclient"
	_ "chronicle/pkg/llmclient/gemini"   // registers the "gemini" LLMClient factory
	_ "chronicle/pkg/llmclient/ollama"   // registers the "ollama" LLMClient factory
	_ "chronicle/pkg/llmclient/openailm" // registers the "openai" LLMClient factory
	"chronicle/pkg/model"
	"chronicle/pkg/monitor"
	"chronicle/pkg/process"
	"chronicle/pkg/store"
	"chronicle/pkg/topicize"
)

const (
	exitOK        = 0
	exitOperation = 1
	exitConfig    = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the CLI surface: ingest <source_id>, process
// [--channel], topicize [--channel], export [--out-dir], run.
func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chronicle <ingest|process|topicize|export|run> [flags]")
		return exitConfig
	}

	cfg, sysCfg, err := config.Load()
	if err != nil {
		monitor.SetupSlog("info")
		slog.Error("failed to load configuration", "error", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		monitor.SetupSlog(sysCfg.LogLevel)
		slog.Error("invalid configuration", "error", err)
		return exitConfig
	}
	monitor.SetupSlog(sysCfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(sysCfg.StorePath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return exitConfig
	}
	defer db.Close()

	cmd, sub := args[0], args[1:]
	switch cmd {
	case "ingest":
		return cmdIngest(ctx, sub, cfg, sysCfg, db)
	case "process":
		return cmdProcess(ctx, sub, cfg, sysCfg, db)
	case "topicize":
		return cmdTopicize(ctx, sub, cfg, sysCfg, db)
	case "export":
		return cmdExport(ctx, sub, sysCfg, db)
	case "run":
		return cmdRun(ctx, cfg, sysCfg, db)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitConfig
	}
}

func cmdIngest(ctx context.Context, args []string, cfg *config.Config, sysCfg *config.SystemConfig, db *store.DB) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chronicle ingest <source_id>")
		return exitConfig
	}
	sourceID := fs.Arg(0)

	monitor.PrintBanner("ingest")
	registry, err := buildChatRegistry(cfg)
	if err != nil {
		slog.Error("failed to build chat client registry", "error", err)
		return exitConfig
	}

	engine := ingest.New(db, registry, sysCfg.ProcessingMaxAttempts, retryBaseDelay(sysCfg), sysCfg.IngestBatchSize)
	res, err := engine.Ingest(ctx, sourceID)
	if err != nil {
		slog.Error("ingest failed", "source_id", sourceID, "error", err)
		return exitOperation
	}
	if res.Skipped {
		slog.Info("ingest skipped", "source_id", sourceID, "reason", res.SkipReason)
		return exitOK
	}
	slog.Info("ingest complete", "source_id", sourceID,
		"posts_written", res.PostsWritten, "comments_written", res.CommentsWritten,
		"backfill_done", res.BackfillDone)
	if res.SourceErrored {
		return exitOperation
	}
	return exitOK
}

func cmdProcess(ctx context.Context, args []string, cfg *config.Config, sysCfg *config.SystemConfig, db *store.DB) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	channel := fs.String("channel", "", "restrict processing to one channel_id")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	monitor.PrintBanner("process")
	llm, err := llmclient.New(cfg.LLMProvider, cfg.LLM)
	if err != nil {
		slog.Error("failed to build LLM client", "error", err)
		return exitConfig
	}

	engine := process.New(db, llm, sysCfg.ProcessingMaxAttempts, retryBaseDelay(sysCfg), sysCfg.ProcessingMaxTokens, sysCfg.PipelineVersion)
	res, err := engine.Run(ctx, *channel)
	if err != nil {
		slog.Error("process failed", "error", err)
		return exitOperation
	}
	slog.Info("process complete", "processed", res.Processed, "failed", res.Failed)
	if res.Failed > 0 {
		return exitOperation
	}
	return exitOK
}

func cmdTopicize(ctx context.Context, args []string, cfg *config.Config, sysCfg *config.SystemConfig, db *store.DB) int {
	fs := flag.NewFlagSet("topicize", flag.ContinueOnError)
	channel := fs.String("channel", "", "restrict topicization to one channel_id")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	monitor.PrintBanner("topicize")
	llm, err := llmclient.New(cfg.LLMProvider, cfg.LLM)
	if err != nil {
		slog.Error("failed to build LLM client", "error", err)
		return exitConfig
	}

	engine := topicize.New(db, llm, sysCfg.ProcessingMaxAttempts, retryBaseDelay(sysCfg), sysCfg.TopicizeMaxTokens, topicizeThresholds(sysCfg))
	res, err := engine.Run(ctx, *channel)
	if err != nil {
		slog.Error("topicize failed", "error", err)
		return exitOperation
	}
	slog.Info("topicize complete", "accepted", res.TopicsAccepted, "rejected", res.TopicsRejected)
	return exitOK
}

func cmdExport(ctx context.Context, args []string, sysCfg *config.SystemConfig, db *store.DB) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	outDir := fs.String("out-dir", sysCfg.ExportDir, "directory to write output artifacts into")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	monitor.PrintBanner("export")
	w := export.New(db, sysCfg.PipelineVersion)
	res, err := w.WriteAll(ctx, *outDir)
	if err != nil {
		slog.Error("export failed", "error", err)
		return exitOperation
	}
	slog.Info("export complete", "message_entries", res.MessageEntries, "topic_entries", res.TopicEntries)
	return exitOK
}

// cmdRun drives the end-to-end pipeline: ingest every configured
// source, process, topicize, and export, repeating every
// IngestPollIntervalSeconds with the configuration loaded at startup
// until ctx is cancelled (spec §6 CLI surface "run (end-to-end)").
func cmdRun(ctx context.Context, cfg *config.Config, sysCfg *config.SystemConfig, db *store.DB) int {
	monitor.PrintBanner("run")
	registry, err := buildChatRegistry(cfg)
	if err != nil {
		slog.Error("failed to build chat client registry", "error", err)
		return exitConfig
	}
	llm, err := llmclient.New(cfg.LLMProvider, cfg.LLM)
	if err != nil {
		slog.Error("failed to build LLM client", "error", err)
		return exitConfig
	}

	ingestEngine := ingest.New(db, registry, sysCfg.ProcessingMaxAttempts, retryBaseDelay(sysCfg), sysCfg.IngestBatchSize)
	processEngine := process.New(db, llm, sysCfg.ProcessingMaxAttempts, retryBaseDelay(sysCfg), sysCfg.ProcessingMaxTokens, sysCfg.PipelineVersion)
	topicizeEngine := topicize.New(db, llm, sysCfg.ProcessingMaxAttempts, retryBaseDelay(sysCfg), sysCfg.TopicizeMaxTokens, topicizeThresholds(sysCfg))
	exporter := export.New(db, sysCfg.PipelineVersion)

	poll := time.Duration(sysCfg.IngestPollIntervalSeconds) * time.Second
	operational := false

	for {
		sources, err := activeSourceIDs(ctx, db)
		if err != nil {
			slog.Error("run: failed to list sources", "error", err)
			return exitOperation
		}
		for _, sourceID := range sources {
			if _, err := ingestEngine.Ingest(ctx, sourceID); err != nil {
				slog.Error("run: ingest failed", "source_id", sourceID, "error", err)
				operational = true
			}
		}

		if _, err := processEngine.Run(ctx, ""); err != nil {
			slog.Error("run: process failed", "error", err)
			operational = true
		}
		if _, err := topicizeEngine.Run(ctx, ""); err != nil {
			slog.Error("run: topicize failed", "error", err)
			operational = true
		}
		if _, err := exporter.WriteAll(ctx, sysCfg.ExportDir); err != nil {
			slog.Error("run: export failed", "error", err)
			operational = true
		}

		select {
		case <-ctx.Done():
			slog.Info("run: shutdown signal received, exiting")
			if operational {
				return exitOperation
			}
			return exitOK
		case <-time.After(poll):
		}
	}
}

// activeSourceIDs returns the source_id of every non-paused registered
// source, for the `run` command's ingest sweep.
func activeSourceIDs(ctx context.Context, db *store.DB) ([]string, error) {
	sources, err := db.Ingestion.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sources))
	for _, st := range sources {
		if st.Status != model.SourceStatusPaused {
			ids = append(ids, st.SourceID)
		}
	}
	return ids, nil
}

func buildChatRegistry(cfg *config.Config) (*chatclient.Registry, error) {
	raw := make(map[string][]byte, len(cfg.ChatSources))
	for platform, block := range cfg.ChatSources {
		raw[platform] = block
	}
	return chatclient.NewRegistry(raw)
}

func retryBaseDelay(sysCfg *config.SystemConfig) time.Duration {
	return time.Duration(sysCfg.RetryBaseDelayMs) * time.Millisecond
}

func topicizeThresholds(sysCfg *config.SystemConfig) topicize.Thresholds {
	return topicize.Thresholds{
		AnchorCap:                sysCfg.TopicAnchorCap,
		SingletonScoreThreshold:  sysCfg.TopicSingletonScoreThreshold,
		SingletonMinTextLength:   sysCfg.TopicSingletonMinTextLength,
		ClusterScoreThreshold:    sysCfg.TopicClusterScoreThreshold,
		SupportingScoreThreshold: sysCfg.TopicSupportingScoreThreshold,
	}
}
