// Package app wires all Callbridge subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithModelConnector,
// WithRoster, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edusignal/callbridge/internal/bridge"
	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
	"github.com/edusignal/callbridge/internal/health"
	"github.com/edusignal/callbridge/internal/mcpserver"
	"github.com/edusignal/callbridge/internal/observe"
	"github.com/edusignal/callbridge/internal/prompt"
	"github.com/edusignal/callbridge/internal/roster"
	"github.com/edusignal/callbridge/internal/summary"
	"github.com/edusignal/callbridge/internal/telephony"
	"github.com/edusignal/callbridge/internal/viewer"
	"github.com/edusignal/callbridge/internal/viewertoken"
)

// App owns all subsystem lifetimes and the HTTP server that exposes them.
type App struct {
	cfg *config.Config

	store        *callsession.Store
	tokens       *viewertoken.Minter
	renderer     *prompt.Renderer
	control      *telephony.Control
	summaries    *summary.Synthesizer
	roster       *roster.Store
	modelConnect bridge.ModelConnector

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one.
func WithStore(s *callsession.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRoster injects a roster store instead of opening the configured
// database.
func WithRoster(r *roster.Store) Option {
	return func(a *App) { a.roster = r }
}

// WithModelConnector injects a realtime-model connector instead of dialling
// the real endpoint.
func WithModelConnector(c bridge.ModelConnector) Option {
	return func(a *App) { a.modelConnect = c }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.store == nil {
		// The hook reads a.roster and a.summaries; both are wired before any
		// call can end.
		a.store = callsession.New(callsession.WithTerminalHook(a.recordOutcome))
	}
	a.tokens = viewertoken.New(cfg.Viewer.TokenSecret, cfg.Viewer.TokenTTL)
	a.renderer = prompt.NewRenderer(cfg.OpenAI.PromptTemplatePath, cfg.OpenAI.SystemPrompt, cfg.Brief)
	a.control = telephony.NewControl(a.store, a.tokens, cfg)

	if err := a.initRoster(ctx); err != nil {
		return nil, fmt.Errorf("app: init roster: %w", err)
	}
	a.initSummaries()
	a.initModelConnector()
	a.initServer()

	return a, nil
}

// initRoster opens the roster database and imports the optional seed file.
func (a *App) initRoster(ctx context.Context) error {
	if a.roster != nil {
		return nil
	}
	if a.cfg.Roster.DBPath == "" {
		slog.Warn("roster database disabled; roster tools will not be registered")
		return nil
	}

	store, err := roster.Open(a.cfg.Roster.DBPath)
	if err != nil {
		return err
	}
	a.roster = store
	a.closers = append(a.closers, store.Close)

	if a.cfg.Roster.SeedPath != "" {
		if err := store.SeedFromFile(ctx, a.cfg.Roster.SeedPath); err != nil {
			slog.Warn("roster seed import failed", "path", a.cfg.Roster.SeedPath, "error", err)
		}
	}
	return nil
}

// initSummaries builds the post-call synthesizer, remote-backed when an API
// key is configured.
func (a *App) initSummaries() {
	if a.cfg.OpenAI.Configured() {
		remote, err := summary.NewOpenAIModel(a.cfg.OpenAI.APIKey, a.cfg.OpenAI.SummaryModel)
		if err == nil {
			a.summaries = summary.NewSynthesizer(a.store, remote, a.cfg.Brief.ParentName)
			return
		}
		slog.Warn("remote summary model unavailable, using heuristic only", "error", err)
	}
	a.summaries = summary.NewSynthesizer(a.store, nil, a.cfg.Brief.ParentName)
}

// initModelConnector builds the realtime dialler. Without an API key the
// connector fails per-call, which marks the session failed rather than
// refusing to boot.
func (a *App) initModelConnector() {
	if a.modelConnect != nil {
		return
	}
	if !a.cfg.OpenAI.Configured() {
		a.modelConnect = func(context.Context, string, func([]byte), func(error)) (bridge.ModelLink, error) {
			return nil, errors.New("realtime model is not configured (set OPENAI_API_KEY)")
		}
		return
	}
	a.modelConnect = bridge.NewModelConnector(bridge.ModelConfig{
		APIKey:             a.cfg.OpenAI.APIKey,
		Model:              a.cfg.OpenAI.RealtimeModel,
		Voice:              a.cfg.OpenAI.Voice,
		TranscriptionModel: a.cfg.OpenAI.TranscriptionModel,
	})
}

// initServer assembles the full route table and wraps it in the
// observability middleware. The two websocket endpoints bypass the middleware
// so the upgrade can hijack the connection.
func (a *App) initServer() {
	mux := http.NewServeMux()

	mux.Handle("GET /twilio/call", bridge.NewHandler(a.store, a.renderer, a.modelConnect))
	mux.Handle("GET /twilio/logs", viewer.NewHandler(a.store, a.tokens))

	telephony.NewHandlers(a.store, a.cfg).Register(mux)
	mcpserver.New(a.store, a.control, a.summaries, a.tokens, a.roster, a.cfg).Register(mux)

	a.healthHandler().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := observe.Middleware(observe.DefaultMetrics(), "/twilio/call", "/twilio/logs")(mux)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// recordOutcome writes a call-outcome row when a session ends. Runs on its
// own goroutine via the session store's terminal hook.
func (a *App) recordOutcome(snap callsession.StatusSummary) {
	if a.roster == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var duration int64
	if snap.EndedAt != nil {
		duration = int64(snap.EndedAt.Sub(snap.StartedAt) / time.Second)
	}
	var risk string
	if report, ok := a.summaries.Cached(snap.SessionID); ok {
		risk = string(report.AttendanceRisk)
	}

	err := a.roster.RecordOutcome(ctx, roster.Outcome{
		SessionID:       snap.SessionID,
		StudentName:     a.cfg.Brief.StudentName,
		Status:          string(snap.Status),
		Reason:          snap.TerminalReason,
		DurationSeconds: duration,
		Risk:            risk,
	})
	if err != nil {
		slog.Warn("recording call outcome failed", "session_id", snap.SessionID, "error", err)
		return
	}
	slog.Info("call outcome recorded", "session_id", snap.SessionID, "status", snap.Status)
}

// healthHandler registers the readiness checks for this deployment.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{
		health.ConfiguredChecker("carrier", a.cfg.Twilio.Configured,
			"set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER"),
		health.ConfiguredChecker("model", a.cfg.OpenAI.Configured, "set OPENAI_API_KEY"),
		health.DirChecker("assets", a.cfg.Server.AssetsDir),
	}
	if a.roster != nil {
		checkers = append([]health.Checker{health.DatabaseChecker("roster", a.roster)}, checkers...)
	}
	return health.New(checkers...)
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "public_url", a.cfg.PublicBase())
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(stopCtx)
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("http shutdown error", "error", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
