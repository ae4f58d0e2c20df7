package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	RequestID string
	Text      string
	Language  string
	ChunkSize int
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	RequestID string
	Sequence  int
	PCM       []byte
	Final     bool
}

// Format describes the PCM layout every chunk of a backend uses.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerSample is the width of one sample of one channel.
func (f Format) BytesPerSample() int { return f.BitDepth / 8 }

// FrameSize is the width of one sample across all channels.
func (f Format) FrameSize() int { return f.BytesPerSample() * f.Channels }

// Synthesizer is the contract for producing audio.
//
// Chunks are delivered in order on the first channel. At most one error is
// delivered on the second, possibly after chunks have been sent. Both channels
// are closed when synthesis ends. Cancelling ctx abandons synthesis.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Loader is implemented by backends that need one-time initialization.
type Loader interface {
	Load(ctx context.Context) error
}
