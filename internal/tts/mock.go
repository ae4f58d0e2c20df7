package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// languages accepted by the mock, mirroring the XTTS v2 language set.
var mockLanguages = map[string]bool{
	"en": true, "es": true, "fr": true, "de": true, "it": true, "pt": true,
	"pl": true, "tr": true, "ru": true, "nl": true, "cs": true, "ar": true,
	"zh-cn": true, "ja": true, "hu": true, "ko": true, "hi": true,
}

const (
	mockToneHz         = 440.0
	mockAmplitude      = 3000
	mockPerRuneMS      = 60
	mockPerChunkSizeMS = 20
)

type mockSynth struct {
	format Format
	delay  time.Duration
}

// NewMockSynth returns a backend that renders a sine tone whose length follows
// the text length. It is deterministic and meant for development and tests.
func NewMockSynth(format Format, chunkDelay time.Duration) Synthesizer {
	return &mockSynth{format: format, delay: chunkDelay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if !mockLanguages[strings.ToLower(req.Language)] {
			errs <- fmt.Errorf("language %q is not supported", req.Language)
			return
		}
		chunkSize := req.ChunkSize
		if chunkSize <= 0 {
			chunkSize = 20
		}

		framesPerChunk := m.format.SampleRate * chunkSize * mockPerChunkSizeMS / 1000
		totalFrames := m.format.SampleRate * utf8.RuneCountInString(req.Text) * mockPerRuneMS / 1000
		frameSize := m.format.FrameSize()

		sequence := 0
		for offset := 0; offset < totalFrames; offset += framesPerChunk {
			if m.delay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.delay):
				}
			}
			n := min(framesPerChunk, totalFrames-offset)
			pcm := make([]byte, n*frameSize)
			for i := 0; i < n; i++ {
				t := float64(offset+i) / float64(m.format.SampleRate)
				sample := int16(mockAmplitude * math.Sin(2*math.Pi*mockToneHz*t))
				for c := 0; c < m.format.Channels; c++ {
					binary.LittleEndian.PutUint16(pcm[i*frameSize+c*2:], uint16(sample))
				}
			}
			chunk := SynthChunk{
				RequestID: req.RequestID,
				Sequence:  sequence,
				PCM:       pcm,
				Final:     offset+n >= totalFrames,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
			sequence++
		}
	}()
	return chunks, errs
}
