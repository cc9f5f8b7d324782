package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kulesh/catsyphon-sub000/internal/config"
	"github.com/kulesh/catsyphon-sub000/internal/httpapi"
	"github.com/kulesh/catsyphon-sub000/internal/ingest"
	"github.com/kulesh/catsyphon-sub000/internal/notify"
	"github.com/kulesh/catsyphon-sub000/internal/store"
	"github.com/kulesh/catsyphon-sub000/internal/watch"
)

func main() {
	logger := log.New(os.Stdout, "catsyphon ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	var configPath string
	root := &cobra.Command{
		Use:           "catsyphon",
		Short:         "Ingestion engine for AI coding assistant session logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(
		serveCmd(logger, &configPath),
		ingestCmd(logger, &configPath),
		backfillCmd(logger, &configPath),
		linkOrphansCmd(logger, &configPath),
		jobsCmd(logger, &configPath),
	)

	if err := root.Execute(); err != nil {
		logger.Fatalf("%v", err)
	}
}

func openDeps(logger *log.Logger, configPath string) (config.Config, *store.GormStore, *ingest.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, ingest.New(logger, st, nil), nil
}

func serveCmd(logger *log.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the directory watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, svc, err := openDeps(logger, *configPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Printf("store close error: %v", err)
				}
			}()

			svc.SetNotifier(notify.New(logger, []notify.Subscriber{notify.NewLogging(logger)}))
			srv := httpapi.NewServer(logger, cfg.HTTPAddr, svc, st, cfg.WorkspaceID, cfg.SourceType)
			go func() {
				logger.Printf("listening on %s", cfg.HTTPAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					logger.Fatalf("http server crashed: %v", err)
				}
			}()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if len(cfg.WatchDirs) > 0 {
				watcher := watch.New(logger, svc, watch.Options{
					Dirs:         cfg.WatchDirs,
					WorkspaceID:  cfg.WorkspaceID,
					SourceType:   cfg.SourceType,
					PollInterval: cfg.PollInterval,
					Debounce:     cfg.DebounceWindow,
					ChunkLimit:   cfg.ChunkLimit,
				})
				go func() {
					logger.Printf("watching dirs=%s", strings.Join(cfg.WatchDirs, ","))
					if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Printf("watcher stopped: %v", err)
					}
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Printf("server shutdown error: %v", err)
			}
			return nil
		},
	}
}

func ingestCmd(logger *log.Logger, configPath *string) *cobra.Command {
	var failOnDuplicate bool
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest session log files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, svc, err := openDeps(logger, *configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			var failed int
			for _, path := range args {
				outcome, err := svc.ProcessFile(cmd.Context(), path, cfg.WorkspaceID, cfg.SourceType, ingest.FileOptions{
					FailOnDuplicate: failOnDuplicate,
					ChunkLimit:      cfg.ChunkLimit,
				})
				if err != nil {
					if errors.Is(err, ingest.ErrDuplicateFile) {
						return err
					}
					logger.Printf("ingest failed path=%s err=%v", path, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tconversation=%s\tmessages=%d\tdeduplicated=%d\n",
					path, outcome.Status, outcome.ConversationID, outcome.MessagesAdded, outcome.EventsDeduplicated)
				if outcome.Status == store.JobFailed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failOnDuplicate, "fail-on-duplicate", false, "error out instead of skipping an unchanged file")
	return cmd
}

func backfillCmd(logger *log.Logger, configPath *string) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "backfill <dir>...",
		Short: "Walk directories and ingest every session log found",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, svc, err := openDeps(logger, *configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if workers <= 0 {
				workers = cfg.BackfillWorkers
			}
			stats, err := watch.Backfill(cmd.Context(), logger, svc, args, cfg.WorkspaceID, cfg.SourceType, workers, cfg.ChunkLimit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "files=%d succeeded=%d skipped=%d duplicates=%d failed=%d\n",
				stats.Files, stats.Succeeded, stats.Skipped, stats.Duplicates, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d files failed", stats.Failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "max files ingested concurrently (default from config)")
	return cmd
}

func linkOrphansCmd(logger *log.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "link-orphans",
		Short: "Re-resolve agent conversations missing a parent link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, svc, err := openDeps(logger, *configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			linked, err := svc.LinkOrphans(cmd.Context(), cfg.WorkspaceID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked=%d\n", linked)
			return nil
		},
	}
}

var (
	jobHeaderStyle  = lipgloss.NewStyle().Bold(true)
	jobSuccessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	jobFailedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	jobNeutralStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func jobsCmd(logger *log.Logger, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <conversation-id>",
		Short: "Show the ingestion job history for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, _, err := openDeps(logger, *configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobsByConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, jobHeaderStyle.Render(fmt.Sprintf("%-36s  %-10s  %-6s  %8s  %8s  %s",
				"JOB", "STATUS", "INCR", "MSGS", "MS", "STARTED")))
			for _, job := range jobs {
				style := jobNeutralStyle
				switch job.Status {
				case store.JobSuccess:
					style = jobSuccessStyle
				case store.JobFailed:
					style = jobFailedStyle
				}
				fmt.Fprintf(out, "%-36s  %s  %-6t  %8d  %8d  %s\n",
					job.ID,
					style.Render(fmt.Sprintf("%-10s", job.Status)),
					job.Incremental,
					job.MessagesAdded,
					job.ProcessingTimeMS,
					job.StartedAt.Format(time.RFC3339),
				)
				if job.ErrorMessage != "" {
					fmt.Fprintf(out, "    %s\n", jobFailedStyle.Render(job.ErrorMessage))
				}
			}
			return nil
		},
	}
}
