package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/relay"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	store       *eventstore.Store
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client
	gateway     *tts.Gateway
	busService  *tts.Service
	ready       atomic.Bool
	started     chan struct{}
	addr        atomic.Value
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP listener accepts connections.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the address the HTTP server listens on, valid after Started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start brings up every subsystem, serves until ctx is cancelled and then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.setup(ctx, metricsHandler)
	if err != nil {
		r.close(context.Background())
		return err
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.close(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(r.cfg.HTTP.ReadHeaderTimeout) * time.Millisecond,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if r.store.Enabled() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx)
		}()
	}

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("model", r.gateway.Name()),
		slog.String("base_path", r.cfg.HTTP.BasePath))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(r.cfg.HTTP.ShutdownTimeout)*time.Millisecond)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.close(shutdownCtx)

	return nil
}

func (r *Runtime) setup(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	r.store = store

	var observers []relay.JobObserver
	if store.Enabled() {
		observers = append(observers, store)
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.natsServer = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.busClient = client
		observers = append(observers, client)
	}

	synth, err := tts.New(r.cfg.Model)
	if err != nil {
		return nil, err
	}
	r.gateway = tts.NewGateway(r.cfg.Model, synth, r.logger)
	if err := r.gateway.Load(ctx); err != nil {
		return nil, err
	}

	if r.busClient != nil {
		r.busService = tts.NewService(ctx, r.cfg, r.busClient, r.gateway, r.logger)
		if err := r.busService.Start(); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /jobs", r.handleRecentJobs)
	mux.HandleFunc("GET /jobs/{id}", r.handleJob)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	api := relay.New(r.cfg, r.gateway, r.logger, observers...).Handler()
	if base := r.cfg.HTTP.BasePath; base != "" {
		mux.Handle(base+"/", http.StripPrefix(base, api))
	} else {
		mux.Handle("/", api)
	}
	return mux, nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("job store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// close releases subsystems in reverse start order. Fields left nil by a
// failed setup are skipped.
func (r *Runtime) close(ctx context.Context) {
	if r.busService != nil {
		r.busService.Close()
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	r.busClient.Close()
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("job store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.gateway.Loaded() && r.busHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) busHealthy() bool {
	if r.busClient == nil {
		return true
	}
	return r.busClient.Healthy() && (r.busService == nil || r.busService.Healthy())
}

func (r *Runtime) handleRecentJobs(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := r.store.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Error("list jobs failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []protocol.SynthesisJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	job, err := r.store.Get(req.Context(), req.PathValue("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Error("get job failed", slog.String("error", err.Error()))
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
