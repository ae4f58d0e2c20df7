package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// wavHeaderSize is the size of the canonical RIFF/WAVE PCM header the encoder
// emits: RIFF chunk, 16-byte fmt chunk and the data chunk header.
const wavHeaderSize = 44

// wavBuffer accumulates PCM chunks into a complete in-memory WAV file.
// Header sizes are only correct once Finish has returned.
type wavBuffer struct {
	file    *memFile
	enc     *wav.Encoder
	format  *audio.Format
	frame   int
	carry   []byte
	samples []int
	bytes   int64
}

func newWAVBuffer(format tts.Format) (*wavBuffer, error) {
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", format.BitDepth)
	}
	file := &memFile{}
	b := &wavBuffer{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, 1),
		format: &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		frame:  format.FrameSize(),
	}
	// Writing an empty buffer emits the RIFF, fmt and data headers so that a
	// synthesis with no audio still finishes as a valid file.
	if err := b.enc.Write(&audio.IntBuffer{Format: b.format, SourceBitDepth: format.BitDepth}); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return b, nil
}

// Write appends little-endian 16-bit PCM. Bytes that do not complete a frame
// are held until the next call.
func (b *wavBuffer) Write(pcm []byte) error {
	data := pcm
	if len(b.carry) > 0 {
		data = append(b.carry, pcm...)
		b.carry = nil
	}
	aligned := len(data) - len(data)%b.frame
	if rest := data[aligned:]; len(rest) > 0 {
		b.carry = append([]byte(nil), rest...)
	}
	if aligned == 0 {
		return nil
	}

	n := aligned / 2
	if cap(b.samples) < n {
		b.samples = make([]int, n)
	}
	samples := b.samples[:n]
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	buf := &audio.IntBuffer{Format: b.format, Data: samples, SourceBitDepth: 16}
	if err := b.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	b.bytes += int64(aligned)
	return nil
}

// DataBytes reports how many PCM bytes were written to the data chunk.
func (b *wavBuffer) DataBytes() int64 { return b.bytes }

// Finish fixes up the header sizes and returns the complete file.
func (b *wavBuffer) Finish() ([]byte, error) {
	if len(b.carry) > 0 {
		return nil, fmt.Errorf("pcm ends with %d bytes of a partial frame", len(b.carry))
	}
	if err := b.enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return b.file.Bytes(), nil
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to patch
// the RIFF and data sizes on Close.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, max(2*cap(m.buf), end))
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = int(abs)
	return abs, nil
}

func (m *memFile) Bytes() []byte { return m.buf }
