// Package runtime assembles the orchestrator for one repository: storage,
// event log, git toolkit, merge queue, failure handling, and the scheduler,
// supervised as a group until shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/failure"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/merge"
	"github.com/opensprint/opensprint/internal/mergeq"
	"github.com/opensprint/opensprint/internal/orchestrator"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/internal/task"
)

// Runtime owns the wired components for one repository.
type Runtime struct {
	cfg *config.Config
	log *slog.Logger

	db        *store.DB
	tasks     *store.Tasks
	mirror    *store.Events
	publisher *events.PersistentPublisher
	queue     *mergeq.Queue
	scheduler *orchestrator.Scheduler
}

// NewLogger builds the process logger from the config's level and format.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// New wires a runtime from the loaded config. The caller must Run it (which
// releases everything on return) or the handles leak.
func New(cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	eventLog, err := events.OpenLog(cfg.EventLog)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	publisher := events.NewPersistentPublisher(eventLog, log)

	toolkit, err := git.NewToolkit(cfg.RepoPath, git.WithToolkitLogger(log))
	if err != nil {
		publisher.Close()
		_ = db.Close()
		return nil, err
	}

	tasks := store.NewTasks(db)
	if cfg.TasksFile != "" {
		if err := seedTasks(context.Background(), tasks, cfg.TasksFile); err != nil {
			publisher.Close()
			_ = db.Close()
			return nil, err
		}
	}

	settings := cfg.Settings()
	queue := mergeq.New(toolkit, mergeq.WithLogger(log))
	archive := session.NewArchive(cfg.ProjectID, cfg.RepoPath, store.NewSessions(db), session.WithLogger(log))
	exhaustion := orchestrator.NewExhaustionRegistry()
	runner := agent.NewCLIRunner(agent.WithCLILogger(log))
	merger := agent.NewCLIMerger(runner, log)
	notifier := newNotifier(cfg.ProjectID, tasks, log)
	relay := &nudgeRelay{}

	coord := merge.NewCoordinator(
		cfg.ProjectID, cfg.RepoPath, settings,
		tasks, queue, toolkit, archive, publisher, merger, relay,
		merge.WithLogger(log),
	)
	handler := failure.NewHandler(
		cfg.ProjectID, settings.GitMode,
		tasks, archive, toolkit, publisher, exhaustion, notifier, relay,
		failure.WithLogger(log),
	)
	scheduler := orchestrator.NewScheduler(
		cfg.ProjectID, cfg.RepoPath, settings,
		tasks, toolkit, runner, coord, handler, publisher, exhaustion,
		orchestrator.WithLogger(log),
		orchestrator.WithInactivityTimeout(cfg.InactivityTimeout),
		orchestrator.WithRecoveryInterval(cfg.RecoveryInterval),
		orchestrator.WithCounterStore(store.NewCounters(db)),
	)
	relay.target = scheduler

	return &Runtime{
		cfg:       cfg,
		log:       log,
		db:        db,
		tasks:     tasks,
		mirror:    store.NewEvents(db, log),
		publisher: publisher,
		queue:     queue,
		scheduler: scheduler,
	}, nil
}

// Tasks exposes the sqlite task store for the CLI.
func (r *Runtime) Tasks() *store.Tasks { return r.tasks }

// Events exposes the event mirror for the CLI.
func (r *Runtime) Events() *store.Events { return r.mirror }

// Publisher exposes the event publisher.
func (r *Runtime) Publisher() *events.PersistentPublisher { return r.publisher }

// Scheduler exposes the scheduler, primarily for status snapshots.
func (r *Runtime) Scheduler() *orchestrator.Scheduler { return r.scheduler }

// Run supervises the scheduler and the event mirror until ctx is cancelled,
// then releases every handle. Cancellation is a clean shutdown, not an
// error.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.scheduler.Run(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		r.mirror.Mirror(ctx, r.publisher)
		return nil
	})

	r.log.Info("orchestrator running",
		"project", r.cfg.ProjectID, "repo", r.cfg.RepoPath,
		"max_concurrent", r.cfg.MaxConcurrent, "git_mode", r.cfg.GitMode)
	return g.Wait()
}

func (r *Runtime) close() {
	r.queue.Close()
	r.publisher.Close()
	if err := r.db.Close(); err != nil {
		r.log.Warn("database close failed", "error", err)
	}
}

// seedTasks imports the YAML seed file, skipping tasks that already exist so
// restarts never clobber live state.
func seedTasks(ctx context.Context, tasks *store.Tasks, path string) error {
	seed, err := config.LoadTasks(path)
	if err != nil {
		return err
	}
	for _, t := range seed {
		_, err := tasks.Show(ctx, t.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, task.ErrNotFound) {
			return err
		}
		if err := tasks.Put(ctx, t); err != nil {
			return fmt.Errorf("seed task %s: %w", t.ID, err)
		}
	}
	return nil
}

// nudgeRelay breaks the construction cycle between the scheduler and the
// collaborators that nudge it.
type nudgeRelay struct {
	target *orchestrator.Scheduler
}

func (n *nudgeRelay) Nudge() {
	if n.target != nil {
		n.target.Nudge()
	}
}
