package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// New builds the synthesis backend selected by cfg.Mode.
func New(cfg config.ModelConfig) (Synthesizer, error) {
	format := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: cfg.BitDepth}
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(format, time.Duration(cfg.MockChunkDelay)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, format)
	case "remote":
		return NewRemoteSynth(cfg.Endpoint, format, nil), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
