package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type remoteSynth struct {
	endpoint string
	format   Format
	client   *http.Client
}

type remoteRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	ChunkSize  int    `json:"chunk_size"`
	SampleRate int    `json:"sample_rate"`
}

// NewRemoteSynth streams raw PCM from an inference server that answers a JSON
// POST with a chunked audio body.
func NewRemoteSynth(endpoint string, format Format, client *http.Client) Synthesizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &remoteSynth{endpoint: strings.TrimRight(endpoint, "/"), format: format, client: client}
}

// Load verifies the inference server is reachable.
func (r *remoteSynth) Load(ctx context.Context) error {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return fmt.Errorf("parse tts endpoint: %w", err)
	}
	probe := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe tts endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("tts endpoint returned status %s", resp.Status)
	}
	return nil
}

func (r *remoteSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := r.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (r *remoteSynth) stream(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	body, err := json.Marshal(remoteRequest{
		Text:       req.Text,
		Language:   req.Language,
		ChunkSize:  req.ChunkSize,
		SampleRate: r.format.SampleRate,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tts endpoint returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	// One chunk_size unit is 20ms of audio.
	chunkSize := max(req.ChunkSize, 1)
	frameSize := r.format.FrameSize()
	readSize := max(r.format.SampleRate*chunkSize/50, 1) * frameSize
	buf := make([]byte, readSize)
	var carry []byte
	sequence := 0
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			aligned := len(data) - len(data)%frameSize
			carry = append([]byte(nil), data[aligned:]...)
			if aligned > 0 {
				pcm := append([]byte(nil), data[:aligned]...)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- SynthChunk{RequestID: req.RequestID, Sequence: sequence, PCM: pcm}:
				}
				sequence++
			}
		}
		if errors.Is(readErr, io.EOF) {
			if len(carry) > 0 {
				return fmt.Errorf("tts endpoint ended mid-sample (%d trailing bytes)", len(carry))
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
