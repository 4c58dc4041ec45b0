// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kiln/internal/api"
	"github.com/starford/kiln/internal/attest"
	"github.com/starford/kiln/internal/index"
	"github.com/starford/kiln/internal/mcpserver"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/orchestrator"
	"github.com/starford/kiln/internal/planner"
	"github.com/starford/kiln/internal/provenance"
	"github.com/starford/kiln/internal/registry"
	"github.com/starford/kiln/internal/render"
	"github.com/starford/kiln/internal/resolver"
	"github.com/starford/kiln/internal/service"
	"github.com/starford/kiln/internal/sse"
	"github.com/starford/kiln/internal/storage"
	"github.com/starford/kiln/internal/store"
)

var errConfigRequired = errors.New("config is required")

// components is the wired application graph.
type components struct {
	db      *store.DB
	index   *index.Index
	orch    *orchestrator.Orchestrator
	service *service.Service
	logger  *slog.Logger
}

func (c *components) Close() error {
	return c.db.Close()
}

// newLogger builds the structured JSON logger. Stdio transports log to
// stderr so stdout stays clean.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// build wires storage, the record store, attestation, the variable
// registry and the orchestrator, then builds the template catalog.
func build(ctx context.Context, app *application, logger *slog.Logger, extra ...orchestrator.Observer) (*components, error) {
	cfg := app.config

	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	attestOpts := []attest.Option{attest.WithLogger(logger)}
	if cfg.Attestation.Signed() {
		km := attest.NewKeyManager(cfg.Attestation.KeyDir)
		generated := !km.Exists()
		if err := km.Load(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("load attestation key: %w", err)
		}
		signer, err := km.NewSigner()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init signer: %w", err)
		}
		logger.Info("Attestation key loaded",
			slog.String("key_id", signer.KeyID()),
			slog.Bool("generated", generated))
		attestOpts = append(attestOpts, attest.WithSigner(signer))
	}
	if cfg.Attestation.Anchor == AnchorSQLite {
		attestOpts = append(attestOpts, attest.WithAnchor(db))
	}
	attester := attest.New(attestOpts...)

	reg, err := registry.New(cfg.Variables)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init variable registry: %w", err)
	}

	renderer := render.NewEngine()
	idx := index.New(cfg.Templates.Root, renderer,
		index.WithExtension(cfg.Templates.Extension),
		index.WithLogger(logger))

	orchOpts := []orchestrator.Option{
		orchestrator.WithResolver(resolver.New(resolver.WithRegistry(reg), resolver.WithLogger(logger))),
		orchestrator.WithPlanner(planner.New(renderer,
			planner.WithStrictInject(cfg.Output.StrictInject),
			planner.WithLogger(logger))),
		orchestrator.WithAttester(attester),
		orchestrator.WithRecords(db),
		orchestrator.WithTracker(provenance.NewRecorder(db)),
		orchestrator.WithOutputRoot(cfg.Output.Root),
		orchestrator.WithBackupRoot(cfg.Output.BackupDir),
		orchestrator.WithParallelism(cfg.App.Parallelism),
		orchestrator.WithLogger(logger),
	}
	for _, obs := range append(app.observers, extra...) {
		orchOpts = append(orchOpts, orchestrator.WithObserver(obs))
	}
	orch := orchestrator.New(idx, orchOpts...)

	if err := orch.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("build template catalog: %w", err)
	}

	svcOpts := []service.Option{
		service.WithAttestations(db),
		service.WithVerifier(attester),
		service.WithWarnings(idx),
	}
	if templateFS, err := storage.NewFS(cfg.Templates.Root); err == nil {
		svcOpts = append(svcOpts, service.WithTemplateStore(templateFS, cfg.Templates.Extension))
	}

	logger.Info("Template catalog built",
		slog.Int("templates", len(orch.Templates())),
		slog.Int("warnings", len(idx.Warnings())))

	return &components{
		db:      db,
		index:   idx,
		orch:    orch,
		service: service.New(orch, svcOpts...),
		logger:  logger,
	}, nil
}

// Run starts the HTTP server, the SSE broker and, when enabled, the template
// watcher. It blocks until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("templates_root", cfg.Templates.Root),
		slog.String("output_root", cfg.Output.Root),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker receives workflow lifecycle events.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	c, err := build(ctx, app, logger, broker)
	if err != nil {
		return err
	}
	defer c.Close()

	apiRouter := api.NewRouter(c.service, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if c.index.ScannedAt().IsZero() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"catalog not built"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start template watcher with SSE callback.
	if cfg.Templates.Watch {
		g.Go(func() error {
			err := index.Watch(gCtx, c.index, logger, func(templates int) {
				broker.PublishRescan(templates)
			})
			if err != nil {
				logger.Error("template watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// Generate runs a single workflow and returns its result. Logs go to
// stderr. A failed workflow returns both the result and the error.
func Generate(ctx context.Context, spec models.WorkflowSpec, opts ...Option) (*models.WorkflowResult, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	c, err := build(ctx, app, newLogger(app.config, os.Stderr))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.service.RunWorkflow(ctx, spec)
}

// Catalog returns the template catalog and the templates skipped while
// building it.
func Catalog(ctx context.Context, opts ...Option) ([]service.TemplateItem, []service.WarningItem, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, nil, err
	}
	c, err := build(ctx, app, newLogger(app.config, os.Stderr))
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()
	return c.service.ListTemplates(ctx, ""), c.service.Warnings(ctx), nil
}

// VerifyWorkflow re-verifies the persisted attestations of a workflow.
func VerifyWorkflow(ctx context.Context, workflowID string, opts ...Option) ([]service.AttestationStatus, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	c, err := build(ctx, app, newLogger(app.config, os.Stderr))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.service.Attestations(ctx, workflowID)
}

// PendingAnchors lists attestation hashes waiting for the anchoring
// service, oldest first.
func PendingAnchors(ctx context.Context, limit int, opts ...Option) ([]store.PendingAnchor, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(app.config.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	return db.PendingAnchors(ctx, limit)
}

// MarkAnchored records that the anchoring service accepted a queued hash.
func MarkAnchored(ctx context.Context, ackID string, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	db, err := store.Open(app.config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	return db.MarkAnchored(ctx, ackID)
}

// ServeMCP serves the MCP tools on stdin/stdout. Logs go to stderr.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(app.config, os.Stderr)
	slog.SetDefault(logger)

	c, err := build(ctx, app, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if app.config.Templates.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := index.Watch(watchCtx, c.index, logger, nil); err != nil {
				logger.Error("template watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	return mcpserver.New(c.service, app.version).ServeStdio()
}
