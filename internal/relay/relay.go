package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Gateway is the part of the model gateway the relay depends on.
type Gateway interface {
	Predict(ctx context.Context, req tts.SynthRequest) (*tts.Stream, error)
	Format() tts.Format
	Name() string
}

// JobObserver is told about every synthesis job when it starts and again
// when it ends. Observer failures are logged and never fail the request.
type JobObserver interface {
	ObserveJob(ctx context.Context, job protocol.SynthesisJob) error
}

// Relay serves the synthesis HTTP surface on top of a Gateway.
type Relay struct {
	cfg       config.RelayConfig
	service   string
	maxBody   int64
	gateway   Gateway
	observers []JobObserver
	metrics   *relayMetrics
	tracer    trace.Tracer
	logger    *slog.Logger
	clock     func() time.Time
}

func New(cfg config.Config, gateway Gateway, log *slog.Logger, observers ...JobObserver) *Relay {
	logger := log.With(slog.String("component", "relay"))
	metrics, err := newRelayMetrics()
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	return &Relay{
		cfg:       cfg.Relay,
		service:   cfg.ServiceName,
		maxBody:   cfg.HTTP.MaxBodyBytes,
		gateway:   gateway,
		observers: observers,
		metrics:   metrics,
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger,
		clock:     time.Now,
	}
}

// Handler returns the relay routes wrapped in the request middleware.
func (h *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("POST /synthesize", h.handleSynthesize)
	mux.HandleFunc("POST /synthesize-wav", h.handleSynthesizeWAV)
	return h.wrap(mux)
}

// wrap applies the middleware stack. RequestID runs first so error bodies
// written by Recovery carry the id.
func (h *Relay) wrap(next http.Handler) http.Handler {
	return Chain(next, RequestID(), Recovery(h.logger), AccessLog(h.logger))
}

type rootResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Model   string `json:"model"`
}

func (h *Relay) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Status:  "healthy",
		Service: h.service,
		Model:   h.gateway.Name(),
	})
}

// handleSynthesize relays PCM chunk by chunk as the model produces them.
func (h *Relay) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	job := h.startJob(r, protocol.ModeRaw, req)
	ctx, span := h.startSpan(r.Context(), "relay.synthesize", job.job)
	defer span.End()

	stream, err := h.gateway.Predict(ctx, req.synthRequest(job.job.RequestID))
	if err != nil {
		h.predictFailed(w, r, job, span, err)
		return
	}
	defer stream.Close()

	format := h.gateway.Format()
	rc := http.NewResponseController(w)
	committed := false
	commit := func() {
		header := w.Header()
		header.Set("Content-Type", "audio/pcm")
		header.Set("X-Sample-Rate", strconv.Itoa(format.SampleRate))
		header.Set("X-Bit-Depth", strconv.Itoa(format.BitDepth))
		header.Set("X-Channels", strconv.Itoa(format.Channels))
		w.WriteHeader(http.StatusOK)
		committed = true
	}

	for {
		pcm, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				job.finish(protocol.StatusCancelled, r.Context().Err())
				return
			}
			job.log.Error("error during synthesis",
				slogError(err),
				slog.String("text", job.job.TextPreview),
				slog.Int64("bytes_sent", job.job.Bytes),
				slog.Int("chunks_sent", job.job.Chunks))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			job.finish(protocol.StatusFailed, err)
			if !committed {
				writeError(w, r, http.StatusInternalServerError, codeSynthesis, err.Error(), "")
				return
			}
			// Headers and audio are already on the wire; dropping the
			// connection is the only way left to signal the failure.
			panic(http.ErrAbortHandler)
		}
		if !committed {
			job.firstChunk()
			commit()
		}
		if _, err := w.Write(pcm); err != nil {
			job.finish(protocol.StatusCancelled, err)
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			job.finish(protocol.StatusCancelled, err)
			return
		}
		job.job.Bytes += int64(len(pcm))
		job.job.Chunks++
	}
	if !committed {
		commit()
	}
	job.finish(protocol.StatusCompleted, nil)
}

// handleSynthesizeWAV buffers the whole synthesis because the WAV header
// carries the data length.
func (h *Relay) handleSynthesizeWAV(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	job := h.startJob(r, protocol.ModeWAV, req)
	ctx, span := h.startSpan(r.Context(), "relay.synthesize_wav", job.job)
	defer span.End()

	buffer, err := newWAVBuffer(h.gateway.Format())
	if err != nil {
		job.finish(protocol.StatusFailed, err)
		writeError(w, r, http.StatusInternalServerError, codeSynthesis, err.Error(), "")
		return
	}

	stream, err := h.gateway.Predict(ctx, req.synthRequest(job.job.RequestID))
	if err != nil {
		h.predictFailed(w, r, job, span, err)
		return
	}
	defer stream.Close()

	fail := func(err error) {
		if r.Context().Err() != nil {
			job.finish(protocol.StatusCancelled, r.Context().Err())
			return
		}
		job.log.Error("error during wav synthesis",
			slogError(err),
			slog.String("text", job.job.TextPreview),
			slog.Int("chunks_buffered", job.job.Chunks))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job.finish(protocol.StatusFailed, err)
		writeError(w, r, http.StatusInternalServerError, codeSynthesis, err.Error(), "")
	}

	for {
		pcm, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(err)
			return
		}
		if job.job.Chunks == 0 {
			job.firstChunk()
		}
		if err := buffer.Write(pcm); err != nil {
			fail(err)
			return
		}
		job.job.Chunks++
	}

	data, err := buffer.Finish()
	if err != nil {
		fail(err)
		return
	}
	header := w.Header()
	header.Set("Content-Type", "audio/wav")
	header.Set("Content-Disposition", "attachment; filename=speech.wav")
	header.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		job.finish(protocol.StatusCancelled, err)
		return
	}
	job.job.Bytes = buffer.DataBytes()
	job.finish(protocol.StatusCompleted, nil)
}

func (h *Relay) decode(w http.ResponseWriter, r *http.Request) (SynthesisRequest, bool) {
	req, err := decodeRequest(w, r, h.cfg, h.maxBody)
	if err == nil {
		return req, true
	}
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusUnprocessableEntity, codeValidation, verr.Message, verr.Field)
	case errors.Is(err, errBodyTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, codeBodyTooLarge, err.Error(), "")
	default:
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error(), "")
	}
	return SynthesisRequest{}, false
}

func (h *Relay) predictFailed(w http.ResponseWriter, r *http.Request, job *jobRun, span trace.Span, err error) {
	if r.Context().Err() != nil {
		job.finish(protocol.StatusCancelled, r.Context().Err())
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	job.log.Error("failed to start synthesis", slogError(err), slog.String("text", job.job.TextPreview))
	job.finish(protocol.StatusFailed, err)
	if errors.Is(err, tts.ErrNotLoaded) {
		writeError(w, r, http.StatusServiceUnavailable, codeModelUnavailable, err.Error(), "")
		return
	}
	writeError(w, r, http.StatusInternalServerError, codeSynthesis, err.Error(), "")
}

func (h *Relay) startSpan(ctx context.Context, name string, job protocol.SynthesisJob) (context.Context, trace.Span) {
	return h.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tts.request_id", job.RequestID),
		attribute.String("tts.mode", job.Mode),
		attribute.String("tts.language", job.Language),
		attribute.Int("tts.chunk_size", job.ChunkSize),
		attribute.Int("tts.text_length", job.TextLength),
	))
}

// jobRun tracks one synthesis for logs, metrics and observers.
type jobRun struct {
	relay *Relay
	job   protocol.SynthesisJob
	start time.Time
	ctx   context.Context
	log   *slog.Logger
	done  bool
}

func (h *Relay) startJob(r *http.Request, mode string, req SynthesisRequest) *jobRun {
	now := h.clock()
	job := protocol.SynthesisJob{
		RequestID:   RequestIDFromContext(r.Context()),
		Mode:        mode,
		Model:       h.gateway.Name(),
		Language:    req.Language,
		ChunkSize:   req.ChunkSize,
		TextPreview: preview(req.Text, h.cfg.LogTextPreview),
		TextLength:  utf8.RuneCountInString(req.Text),
		Status:      protocol.StatusStarted,
		StartedAt:   now.UTC(),
	}
	run := &jobRun{
		relay: h,
		job:   job,
		start: now,
		// Observers must still see the outcome of a request whose client left.
		ctx: context.WithoutCancel(r.Context()),
		log: h.logger.With(slog.String("request_id", job.RequestID), slog.String("mode", mode)),
	}
	run.log.Info("synthesizing",
		slog.String("text", job.TextPreview),
		slog.String("language", job.Language),
		slog.Int("chunk_size", job.ChunkSize))
	h.metrics.begin(run.ctx, mode)
	h.notify(run.ctx, job)
	return run
}

func (j *jobRun) firstChunk() {
	j.relay.metrics.observeFirstChunk(j.ctx, j.job.Mode, j.relay.clock().Sub(j.start))
}

func (j *jobRun) finish(status string, err error) {
	if j.done {
		return
	}
	j.done = true
	now := j.relay.clock()
	j.job.Status = status
	j.job.FinishedAt = now.UTC()
	if err != nil {
		j.job.Error = err.Error()
	}
	j.relay.metrics.end(j.ctx, j.job.Mode, status, j.job.Bytes, now.Sub(j.start))
	if status == protocol.StatusCompleted {
		j.log.Info("synthesis complete",
			slog.Int64("bytes", j.job.Bytes),
			slog.Int("chunks", j.job.Chunks),
			slog.Duration("elapsed", now.Sub(j.start)))
	} else if status == protocol.StatusCancelled {
		j.log.Warn("synthesis abandoned", slog.Int("chunks", j.job.Chunks))
	}
	j.relay.notify(j.ctx, j.job)
}

func (h *Relay) notify(ctx context.Context, job protocol.SynthesisJob) {
	for _, obs := range h.observers {
		if err := obs.ObserveJob(ctx, job); err != nil {
			h.logger.Warn("job observer failed", slogError(err), slog.String("request_id", job.RequestID))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
