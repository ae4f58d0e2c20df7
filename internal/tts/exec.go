package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// maxExecLine bounds a single JSON line from the worker; a line carries one
// base64 chunk, which for chunk_size 100 at 24 kHz is well under 1 MiB.
const maxExecLine = 4 << 20

type execSynth struct {
	cmd    []string
	format Format
}

type execRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	ChunkSize  int    `json:"chunk_size"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// NewExecSynth runs command once per synthesis. The worker reads one JSON
// request on stdin and writes JSON lines carrying base64 PCM on stdout.
func NewExecSynth(command string, format Format) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, format: format}, nil
}

// Load checks that the worker executable can be resolved.
func (e *execSynth) Load(_ context.Context) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("tts command %q not found: %w", e.cmd[0], err)
	}
	return nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Language:   req.Language,
			ChunkSize:  req.ChunkSize,
			SampleRate: e.format.SampleRate,
			Channels:   e.format.Channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.Stdin = bytes.NewReader(data)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		fail := func(err error) {
			errs <- err
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxExecLine)
		frameSize := e.format.FrameSize()
		var carry []byte
		sequence := 0
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				fail(fmt.Errorf("decode tts worker output: %w", err))
				return
			}
			if resp.Error != "" {
				fail(errors.New(resp.Error))
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				fail(fmt.Errorf("decode tts worker pcm: %w", err))
				return
			}
			data := append(carry, pcm...)
			aligned := len(data) - len(data)%frameSize
			carry = append([]byte(nil), data[aligned:]...)
			if aligned > 0 {
				select {
				case <-ctx.Done():
					fail(ctx.Err())
					return
				case schunks <- SynthChunk{RequestID: req.RequestID, Sequence: sequence, PCM: data[:aligned], Final: resp.Final && len(carry) == 0}:
				}
				sequence++
			}
			if resp.Final {
				break
			}
		}
		if scanErr := scanner.Err(); scanErr != nil {
			fail(scanErr)
			return
		}
		if len(carry) > 0 {
			fail(fmt.Errorf("tts worker ended mid-sample (%d trailing bytes)", len(carry)))
			return
		}
		// Output after the final line is ignored; drain it so the worker can exit.
		_, _ = io.Copy(io.Discard, stdout)
		if err := cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, lastLine(msg))
			}
			errs <- fmt.Errorf("tts command failed: %w", err)
		}
	}()
	return schunks, errs
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
