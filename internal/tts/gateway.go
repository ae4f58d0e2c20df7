package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotLoaded is returned by Predict before Load succeeded.
	ErrNotLoaded = errors.New("tts: model not loaded")
	// ErrAlreadyLoaded is returned by a second call to Load.
	ErrAlreadyLoaded = errors.New("tts: model already loaded")
	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("tts: stream closed")
)

// Gateway owns the synthesis backend for the lifetime of the process.
// It is safe for concurrent use once loaded.
type Gateway struct {
	name    string
	synth   Synthesizer
	format  Format
	slots   *semaphore.Weighted
	timeout time.Duration
	loadMu  sync.Mutex
	loaded  atomic.Bool
	logger  *slog.Logger
}

func NewGateway(cfg config.ModelConfig, synth Synthesizer, log *slog.Logger) *Gateway {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gateway{
		name:  cfg.Name,
		synth: synth,
		format: Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   cfg.BitDepth,
		},
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:  log.With(slog.String("component", "tts-gateway")),
	}
}

// Load initializes the backend. It must be called exactly once before Predict.
func (g *Gateway) Load(ctx context.Context) error {
	g.loadMu.Lock()
	defer g.loadMu.Unlock()
	if g.loaded.Load() {
		return ErrAlreadyLoaded
	}
	start := time.Now()
	g.logger.Info("loading model", slog.String("model", g.name))
	if loader, ok := g.synth.(Loader); ok {
		if err := loader.Load(ctx); err != nil {
			return fmt.Errorf("load model %s: %w", g.name, err)
		}
	}
	g.loaded.Store(true)
	g.logger.Info("model loaded", slog.String("model", g.name), slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (g *Gateway) Loaded() bool { return g.loaded.Load() }

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Format() Format { return g.format }

// Predict starts a synthesis and returns its chunk stream. It blocks until a
// synthesis slot is free or ctx is done. The caller must Close the stream.
func (g *Gateway) Predict(ctx context.Context, req SynthRequest) (*Stream, error) {
	if !g.loaded.Load() {
		return nil, ErrNotLoaded
	}
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var (
		synthCtx context.Context
		cancel   context.CancelFunc
	)
	if g.timeout > 0 {
		synthCtx, cancel = context.WithTimeout(ctx, g.timeout)
	} else {
		synthCtx, cancel = context.WithCancel(ctx)
	}
	chunks, errs := g.synth.Synthesize(synthCtx, req)
	return &Stream{
		ctx:     synthCtx,
		cancel:  cancel,
		chunks:  chunks,
		errs:    errs,
		release: func() { g.slots.Release(1) },
	}, nil
}

// Close tears the backend down. Errors are logged, not returned.
func (g *Gateway) Close() {
	if closer, ok := g.synth.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			g.logger.Warn("model close failed", slogError(err))
		}
	}
}

// Stream is a single-pass iterator over the chunks of one synthesis.
// It cannot be restarted and is not safe for concurrent use.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	chunks   <-chan SynthChunk
	errs     <-chan error
	pending  error
	err      error
	sequence int
	release  func()
	once     sync.Once
}

// Next returns the next chunk of PCM. It returns io.EOF once synthesis has
// completed and the backend error if synthesis failed; after either, every
// further call returns the same error.
func (s *Stream) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.chunks == nil && s.errs == nil {
			if s.pending != nil {
				return nil, s.fail(s.pending)
			}
			return nil, s.fail(io.EOF)
		}
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.chunks = nil
				continue
			}
			s.sequence++
			return chunk.PCM, nil
		case err, ok := <-s.errs:
			if !ok {
				s.errs = nil
				continue
			}
			// Chunks already queued ahead of the error are still delivered.
			if err != nil && s.pending == nil {
				s.pending = err
			}
		case <-s.ctx.Done():
			return nil, s.fail(s.ctx.Err())
		}
	}
}

// Chunks reports how many chunks Next has returned so far.
func (s *Stream) Chunks() int { return s.sequence }

func (s *Stream) fail(err error) error {
	s.err = err
	return err
}

// Close abandons the synthesis if it is still running and frees its slot
// once the backend has stopped. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.err == nil {
			s.err = ErrStreamClosed
		}
		s.cancel()
		chunks, errs := s.chunks, s.errs
		go func() {
			for chunks != nil || errs != nil {
				select {
				case _, ok := <-chunks:
					if !ok {
						chunks = nil
					}
				case _, ok := <-errs:
					if !ok {
						errs = nil
					}
				}
			}
			s.release()
		}()
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
