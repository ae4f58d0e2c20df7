package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers synthesis requests that arrive on the bus. It shares the
// gateway, and therefore its synthesis slots, with the HTTP relay.
type Service struct {
	busCfg   config.BusConfig
	relayCfg config.RelayConfig
	bus      *bus.Client
	gateway  *Gateway
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, gateway *Gateway, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		busCfg:   cfg.Bus,
		relayCfg: cfg.Relay,
		bus:      busClient,
		gateway:  gateway,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if s.busCfg.RequestSubject == "" {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(s.busCfg.RequestSubject, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.busCfg.RequestSubject, err)
	}
	s.sub = sub
	s.logger.Info("listening for bus synthesis requests", slog.String("subject", s.busCfg.RequestSubject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.busCfg.RequestSubject == "" || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	subject := msg.Reply
	if subject == "" {
		subject = protocol.AudioSubject(s.busCfg.AudioPrefix, req.RequestID)
	}

	synthReq, err := s.normalize(req)
	if err != nil {
		s.publish(subject, s.finalChunk(req.RequestID, 0, err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(subject, synthReq)
	}()
}

func (s *Service) normalize(req protocol.SynthesisRequest) (SynthRequest, error) {
	out := SynthRequest{
		RequestID: req.RequestID,
		Text:      req.Text,
		Language:  req.Language,
		ChunkSize: req.ChunkSize,
	}
	if out.Text == "" {
		return out, errors.New("text must not be empty")
	}
	if out.Language == "" {
		out.Language = s.relayCfg.DefaultLanguage
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = s.relayCfg.DefaultChunkSize
	}
	if out.ChunkSize < s.relayCfg.MinChunkSize || out.ChunkSize > s.relayCfg.MaxChunkSize {
		return out, fmt.Errorf("chunk_size must be between %d and %d", s.relayCfg.MinChunkSize, s.relayCfg.MaxChunkSize)
	}
	return out, nil
}

func (s *Service) run(subject string, req SynthRequest) {
	log := s.logger.With(slog.String("request_id", req.RequestID))
	stream, err := s.gateway.Predict(s.ctx, req)
	if err != nil {
		log.Warn("bus synthesis rejected", slogError(err))
		s.publish(subject, s.finalChunk(req.RequestID, 0, err))
		return
	}
	defer stream.Close()

	format := s.gateway.Format()
	sequence := 0
	for {
		pcm, err := stream.Next()
		if errors.Is(err, io.EOF) {
			s.publish(subject, s.finalChunk(req.RequestID, sequence, nil))
			log.Info("bus synthesis complete", slog.Int("chunks", stream.Chunks()))
			return
		}
		if err != nil {
			log.Warn("bus synthesis failed", slogError(err), slog.Int("chunks", stream.Chunks()))
			s.publish(subject, s.finalChunk(req.RequestID, sequence, err))
			return
		}
		s.publish(subject, protocol.AudioChunk{
			RequestID:  req.RequestID,
			Sequence:   sequence,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			PCM:        pcm,
		})
		sequence++
	}
}

func (s *Service) finalChunk(requestID string, sequence int, err error) protocol.AudioChunk {
	format := s.gateway.Format()
	chunk := protocol.AudioChunk{
		RequestID:  requestID,
		Sequence:   sequence,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Final:      true,
	}
	if err != nil {
		chunk.Error = err.Error()
	}
	return chunk
}

func (s *Service) publish(subject string, chunk protocol.AudioChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Warn("failed to marshal audio chunk", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish audio chunk", slogError(err), slog.String("subject", subject))
	}
}
