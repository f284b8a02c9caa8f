package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bridge"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/journal"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler

	speech   *Speech
	journal  *journal.Store
	recorder *journal.Recorder
	nats     *natsserver.EmbeddedServer
	busConn  *bridge.Client
	bridge   *bridge.Service

	cancel context.CancelFunc
	ready  atomic.Bool
	wg     sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves HTTP until ctx is done, then
// shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics
	defer r.closeTelemetry()

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}
	defer r.stopComponents()
	if err := r.initRuntimeMetrics(); err != nil {
		r.logger.Warn("failed to initialize runtime metrics", slog.String("error", err.Error()))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != addr {
		r.serveMetrics(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	speech, err := OpenSpeech(ctx, r.cfg, SpeechOptions{}, r.logger)
	if err != nil {
		return fmt.Errorf("start speech: %w", err)
	}
	r.speech = speech

	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store
	r.recorder = journal.NewRecorder(store, 0, r.logger)
	r.recorder.Attach(speech.Speaker)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.recorder.Run(ctx)
	}()
	if store.Enabled() {
		r.wg.Add(1)
		go r.prune(ctx)
	}

	if !r.cfg.Bridge.Enabled {
		return nil
	}
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	client, err := bridge.Connect(ctx, r.cfg.Bus, ns.ClientURL(), r.logger)
	if err != nil {
		return err
	}
	r.busConn = client
	r.bridge = bridge.NewService(ctx, r.cfg.Bridge, client, speech.Speaker, r.logger)
	return r.bridge.Start()
}

func (r *Runtime) stopComponents() {
	r.cancel()
	if r.bridge != nil {
		r.bridge.Close()
	}
	r.busConn.Close()
	r.nats.Shutdown()
	if r.speech != nil {
		if err := r.speech.Close(); err != nil {
			r.logger.Warn("speech close failed", slog.String("error", err.Error()))
		}
	}
	// The recorder flushes what it queued before Run returns.
	r.wg.Wait()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close failed", slog.String("error", err.Error()))
		}
	}
}

// serveMetrics exposes the scrape endpoint on its own listener until ctx
// is done.
func (r *Runtime) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", r.metrics)
	srv := &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer r.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (r *Runtime) prune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// Healthy reports whether every running component is usable.
func (r *Runtime) Healthy() bool {
	if r.speech == nil || !r.speech.Bus.Healthy() {
		return false
	}
	if r.bridge != nil && !r.bridge.Healthy() {
		return false
	}
	return true
}
