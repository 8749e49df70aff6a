package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scrivener/internal/agent"
	"scrivener/internal/config"
	"scrivener/internal/delivery"
	"scrivener/internal/events"
	"scrivener/internal/guardian"
	"scrivener/internal/journal"
	"scrivener/internal/llm"
	"scrivener/internal/rhythm"
	"scrivener/internal/session"
	"scrivener/internal/skills"
	"scrivener/internal/steward"
	"scrivener/internal/tools"
	"scrivener/internal/watch"
	"scrivener/internal/workspace"
)

var (
	// Global flags
	verbose      bool
	workspaceDir string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scrivener",
	Short: "Scrivener - document-driven automation steward",
	Long: `Scrivener is a single-process daemon that stewards Markdown blackboards.

Threads live as Markdown files in a workspace directory. External signals
(pushed notifications, filesystem edits, cron firings) wake a thread; an
LLM-backed tool-calling agent advances it and inscribes results back into
the file.

Run without arguments to start the daemon.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [thread-file]",
	Short: "Execute a single thread file once and exit",
	Long: `Wakes one thread file outside the daemon: builds the full runtime,
runs the thread to completion (task drain or conversational turn), and exits.
Useful for testing rituals before scheduling them.`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a scrivener workspace",
	Long: `Scaffolds the workspace directory tree (channels/, rituals/, brain/,
agents/, skills/), seeds the default prompts, and writes a default
scrivener.yml when none exists.`,
	RunE: runInit,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent thread executions from the journal",
	RunE:  showStatus,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available to the configured API key",
	RunE:  listModels,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "Workspace directory (default: ~/.scrivener/workspace)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadWorkspace resolves the workspace, scaffolds it, and loads config,
// writing the default config on first run.
func loadWorkspace() (workspace.Layout, config.Config, error) {
	layout, err := workspace.Resolve(workspaceDir)
	if err != nil {
		return workspace.Layout{}, config.Config{}, err
	}
	if err := layout.Scaffold(); err != nil {
		return workspace.Layout{}, config.Config{}, err
	}

	path := layout.ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		if err := cfg.Write(path); err != nil {
			return workspace.Layout{}, config.Config{}, fmt.Errorf("write default config: %w", err)
		}
		logger.Info("default configuration inscribed", zap.String("path", path))
	}

	cfg, err := config.Load(path)
	if err != nil {
		return workspace.Layout{}, config.Config{}, err
	}
	return layout, cfg, nil
}

// runtime bundles everything a thread execution needs.
type runtime struct {
	layout    workspace.Layout
	cfg       config.Config
	registry  *tools.Registry
	runner    *agent.Runner
	steward   *steward.Steward
	scheduler *rhythm.Scheduler
	journal   *journal.Journal
	messenger delivery.Messenger
}

func buildRuntime() (*runtime, error) {
	layout, cfg, err := loadWorkspace()
	if err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("no API key configured: set llm.api_key in %s or SCRIVENER_API_KEY", layout.ConfigPath())
	}

	client := llm.NewGeminiClient(llm.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLMTimeout(),
	}, logger.Named("llm"))

	registry := tools.NewRegistry(layout.Root, tools.Options{
		Privileged:     cfg.Runtime.Privileged,
		MaxOutputBytes: cfg.Runtime.MaxToolOutputBytes,
		Secrets: []tools.Secret{
			{Value: cfg.LLM.APIKey, Label: "[API_KEY]"},
			{Value: cfg.Messenger.Token, Label: "[MESSENGER_TOKEN]"},
		},
		Logger: logger.Named("tools"),
	})

	n := skills.RegisterAll(registry, layout.SkillsDir(), skills.Options{
		Workspace: layout.Root,
		Timeout:   cfg.SkillTimeout(),
		Env:       map[string]string{"GEMINI_API_KEY": cfg.LLM.APIKey},
		Logger:    logger.Named("skills"),
	})
	if n > 0 {
		logger.Info("skills discovered", zap.Int("tools", n))
	}

	messenger := delivery.LogMessenger{Logger: logger.Named("delivery")}
	delivery.RegisterSendTool(registry, messenger)

	runner := agent.New(client, registry, agent.Options{
		MaxTurns:       cfg.Runtime.MaxTurns,
		ReadOnlyBudget: cfg.Runtime.ReadOnlyBudget,
		Logger:         logger.Named("agent"),
	})

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(filepath.Join(layout.Root, cfg.Journal.Path), logger.Named("journal"))
		if err != nil {
			logger.Warn("journal unavailable, continuing without it", zap.Error(err))
			jnl = nil
		}
	}

	builder := session.Builder{
		Layout:     layout,
		Privileged: cfg.Runtime.Privileged,
		Logger:     logger.Named("session"),
	}

	stew := steward.New(layout, builder, runner, messenger, registry, jnl, steward.Options{
		Concurrency: int64(cfg.Runtime.Concurrency),
		Logger:      logger.Named("steward"),
	})

	return &runtime{
		layout:    layout,
		cfg:       cfg,
		registry:  registry,
		runner:    runner,
		steward:   stew,
		scheduler: rhythm.New(logger.Named("rhythm")),
		journal:   jnl,
		messenger: messenger,
	}, nil
}

func runDaemon() error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("scrivener engine starting", zap.String("workspace", rt.layout.Root),
		zap.String("model", rt.cfg.LLM.Model))

	// Reconcile mirrored external events into rituals before the first
	// rhythm scan so their schedules land in the cron table.
	syncer := events.New(rt.layout, logger.Named("events"))
	if err := syncer.SyncAll(); err != nil {
		logger.Warn("initial event sync failed", zap.Error(err))
	}

	rt.scheduler.SyncAll(rt.layout.RitualsDir())
	rt.scheduler.Start()
	defer rt.scheduler.Stop()
	logger.Info("rhythm engine running", zap.Int("jobs", rt.scheduler.JobCount()))

	dispatch := watch.Dispatcher{
		OnNotification: func(ctx context.Context, n watch.Notification) {
			go func() {
				err := rt.steward.Execute(ctx, n.Path, steward.Trigger{
					Kind:      "notification",
					MessageID: n.MessageID,
					ChannelID: n.ChannelID,
				})
				if err != nil {
					logger.Error("thread execution failed", zap.String("path", n.Path), zap.Error(err))
				}
			}()
		},
		OnRitual: func(ctx context.Context, path string) {
			if rhythm.ShouldIgnore(path) {
				return
			}
			rt.scheduler.Sync(path)
			go func() {
				err := rt.steward.Execute(ctx, path, steward.Trigger{Kind: "ritual"})
				if err != nil {
					logger.Error("ritual execution failed", zap.String("path", path), zap.Error(err))
				}
			}()
		},
		// The synthesized ritual write lands back on the watcher, which
		// re-syncs the cron table via OnRitual.
		OnExternalEvents: func(ctx context.Context, path string) {
			if err := syncer.Sync(path); err != nil {
				logger.Warn("event sync failed", zap.String("path", path), zap.Error(err))
			}
		},
	}

	watchman, err := watch.New(rt.layout.ChannelsDir(), rt.layout.RitualsDir(),
		rt.cfg.Runtime.NotificationQueue, dispatch, logger.Named("watch"))
	if err != nil {
		return err
	}
	if err := watchman.Watch(rt.layout.EventsDir()); err != nil {
		logger.Warn("event mirror not watched", zap.Error(err))
	}

	if rt.cfg.Guardian.Enabled {
		guardianRunner := rt.runner
		if rt.cfg.Guardian.Model != "" && rt.cfg.Guardian.Model != rt.cfg.LLM.Model {
			guardClient := llm.NewGeminiClient(llm.GeminiConfig{
				APIKey:  rt.cfg.LLM.APIKey,
				BaseURL: rt.cfg.LLM.BaseURL,
				Model:   rt.cfg.Guardian.Model,
				Timeout: rt.cfg.LLMTimeout(),
			}, logger.Named("llm.guardian"))
			guardianRunner = agent.New(guardClient, rt.registry, agent.Options{
				MaxTurns:       3,
				ReadOnlyBudget: rt.cfg.Runtime.ReadOnlyBudget,
				Logger:         logger.Named("agent.guardian"),
			})
		}
		guard := guardian.New(rt.layout, guardianRunner, rt.registry, guardian.Options{
			Interval: rt.cfg.GuardianInterval(),
			Settle:   10 * time.Second,
			Logger:   logger.Named("guardian"),
		})
		go func() {
			if err := guard.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("guardian exited abnormally", zap.Error(err))
			}
		}()
	}

	err = watchman.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("scrivener shutting down")
		return nil
	}
	return err
}

func runOnce(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("thread file: %w", err)
	}

	return rt.steward.Execute(ctx, path, steward.Trigger{Kind: "manual"})
}

func runInit(cmd *cobra.Command, args []string) error {
	layout, _, err := loadWorkspace()
	if err != nil {
		return err
	}
	fmt.Printf("Workspace ready at %s\n", layout.Root)
	fmt.Printf("Edit %s to configure the model and API key, then run 'scrivener'.\n", layout.ConfigPath())
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	layout, cfg, err := loadWorkspace()
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		fmt.Println("Journal is disabled (journal.enabled: false); no execution history available.")
		return nil
	}

	jnl, err := journal.Open(filepath.Join(layout.Root, cfg.Journal.Path), logger.Named("journal"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	entries, err := jnl.Recent(context.Background(), 20)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No executions recorded yet.")
		return nil
	}

	fmt.Printf("%-10s %-12s %-20s %s\n", "STATUS", "TRIGGER", "STARTED", "THREAD")
	for _, e := range entries {
		rel, relErr := filepath.Rel(layout.Root, e.Path)
		if relErr != nil {
			rel = e.Path
		}
		fmt.Printf("%-10s %-12s %-20s %s\n",
			e.Status, e.Trigger, e.StartedAt.Local().Format("2006-01-02 15:04:05"), rel)
		if e.Detail != "" {
			fmt.Printf("           %s\n", e.Detail)
		}
	}
	return nil
}

func listModels(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadWorkspace()
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no API key configured")
	}

	client := llm.NewGeminiClient(llm.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLMTimeout(),
	}, logger.Named("llm"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		marker := " "
		if m.Name == cfg.LLM.Model {
			marker = "*"
		}
		if m.DisplayName != "" && m.DisplayName != m.Name {
			fmt.Printf("%s %s (%s)\n", marker, m.Name, m.DisplayName)
		} else {
			fmt.Printf("%s %s\n", marker, m.Name)
		}
	}
	return nil
}
