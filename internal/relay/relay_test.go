package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubSynth yields fixed chunks, optionally failing after failAfter of them.
// If gate is set, it waits on gate before every chunk after the first.
type stubSynth struct {
	chunks    [][]byte
	failAfter int
	failErr   error
	gate      chan struct{}
	calls     atomic.Int32
	cancelled chan struct{}

	mu   sync.Mutex
	last tts.SynthRequest
}

func (s *stubSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.last = req
	s.mu.Unlock()

	out := make(chan tts.SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for i, pcm := range s.chunks {
			if s.failErr != nil && i == s.failAfter {
				errs <- s.failErr
				return
			}
			if i > 0 && s.gate != nil {
				select {
				case <-s.gate:
				case <-ctx.Done():
					s.markCancelled()
					errs <- ctx.Err()
					return
				}
			}
			select {
			case out <- tts.SynthChunk{RequestID: req.RequestID, Sequence: i, PCM: pcm}:
			case <-ctx.Done():
				s.markCancelled()
				errs <- ctx.Err()
				return
			}
		}
		if s.failErr != nil && s.failAfter >= len(s.chunks) {
			errs <- s.failErr
		}
	}()
	return out, errs
}

func (s *stubSynth) markCancelled() {
	if s.cancelled != nil {
		close(s.cancelled)
	}
}

func (s *stubSynth) lastRequest() tts.SynthRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type recordingObserver struct {
	mu   sync.Mutex
	jobs []protocol.SynthesisJob
}

func (o *recordingObserver) ObserveJob(_ context.Context, job protocol.SynthesisJob) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, job)
	return nil
}

func (o *recordingObserver) snapshot() []protocol.SynthesisJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.SynthesisJob(nil), o.jobs...)
}

// patternChunks returns n chunks of distinct, sample-aligned byte patterns.
func patternChunks(n int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunk := make([]byte, 8*(i+1))
		for j := range chunk {
			chunk[j] = byte(i*31 + j)
		}
		chunks[i] = chunk
	}
	return chunks
}

func newTestServer(t *testing.T, synth tts.Synthesizer, observers ...JobObserver) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Model.TimeoutMS = 0
	gw := tts.NewGateway(cfg.Model, synth, newLogger())
	if err := gw.Load(context.Background()); err != nil {
		t.Fatalf("load gateway: %v", err)
	}
	srv := httptest.NewServer(New(cfg, gw, newLogger(), observers...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestRootReportsHealth(t *testing.T) {
	srv := newTestServer(t, &stubSynth{})
	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body rootResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := rootResponse{Status: "healthy", Service: "XTTS Streaming API", Model: "xtts_v2"}
	if body != want {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestSynthesizeStreamsConcatenation(t *testing.T) {
	chunks := patternChunks(5)
	srv := newTestServer(t, &stubSynth{chunks: chunks})
	resp := post(t, srv, "/synthesize", `{"text":"Hello there"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for header, want := range map[string]string{
		"Content-Type":  "audio/pcm",
		"X-Sample-Rate": "24000",
		"X-Bit-Depth":   "16",
		"X-Channels":    "1",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Fatalf("%s: got %q want %q", header, got, want)
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body)%2 != 0 {
		t.Fatalf("body is not whole samples: %d bytes", len(body))
	}
	if want := bytes.Join(chunks, nil); !bytes.Equal(body, want) {
		t.Fatalf("body does not equal chunk concatenation")
	}
	if len(resp.TransferEncoding) == 0 || resp.TransferEncoding[0] != "chunked" {
		t.Fatalf("expected chunked transfer, got %v", resp.TransferEncoding)
	}
}

func TestSynthesizeSendsFirstChunkBeforeSynthesisEnds(t *testing.T) {
	chunks := patternChunks(3)
	synth := &stubSynth{chunks: chunks, gate: make(chan struct{})}
	srv := newTestServer(t, synth)
	resp := post(t, srv, "/synthesize", `{"text":"streaming"}`)

	first := make([]byte, len(chunks[0]))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, first)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read first chunk: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk was not delivered while synthesis was still running")
	}
	if !bytes.Equal(first, chunks[0]) {
		t.Fatalf("unexpected first chunk")
	}

	close(synth.gate)
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if want := bytes.Join(chunks[1:], nil); !bytes.Equal(rest, want) {
		t.Fatalf("unexpected remainder")
	}
}

func TestSynthesizeTruncatesStreamOnMidStreamError(t *testing.T) {
	chunks := patternChunks(5)
	obs := &recordingObserver{}
	srv := newTestServer(t, &stubSynth{chunks: chunks, failAfter: 2, failErr: errors.New("vocoder failed")}, obs)
	resp := post(t, srv, "/synthesize", `{"text":"partial"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 before failure, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected the connection to be terminated")
	}
	if want := bytes.Join(chunks[:2], nil); !bytes.Equal(body, want) {
		t.Fatalf("expected exactly the first two chunks, got %d bytes", len(body))
	}

	jobs := obs.snapshot()
	if len(jobs) != 2 || jobs[1].Status != protocol.StatusFailed || jobs[1].Chunks != 2 {
		t.Fatalf("unexpected observed jobs %+v", jobs)
	}
}

func TestSynthesizeErrorBeforeAudioIsCleanResponse(t *testing.T) {
	srv := newTestServer(t, &stubSynth{chunks: patternChunks(3), failAfter: 0, failErr: errors.New("unsupported language")})
	resp := post(t, srv, "/synthesize", `{"text":"hola","language":"xx"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Error.Code != codeSynthesis || !strings.Contains(body.Error.Message, "unsupported language") {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestSynthesizeWAVIsWellFormed(t *testing.T) {
	chunks := patternChunks(5)
	srv := newTestServer(t, &stubSynth{chunks: chunks})

	raw := post(t, srv, "/synthesize", `{"text":"same input","chunk_size":7}`)
	pcm, err := io.ReadAll(raw.Body)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}

	resp := post(t, srv, "/synthesize-wav", `{"text":"same input","chunk_size":7}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/wav" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := resp.Header.Get("Content-Disposition"); got != "attachment; filename=speech.wav" {
		t.Fatalf("unexpected content disposition %q", got)
	}
	file, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}

	dataLen := len(bytes.Join(chunks, nil))
	if len(file) != wavHeaderSize+dataLen {
		t.Fatalf("expected %d bytes, got %d", wavHeaderSize+dataLen, len(file))
	}
	if string(file[0:4]) != "RIFF" || string(file[8:12]) != "WAVE" || string(file[12:16]) != "fmt " || string(file[36:40]) != "data" {
		t.Fatalf("bad chunk ids in header %q", file[:44])
	}
	le := binary.LittleEndian
	if got := le.Uint32(file[4:8]); int(got) != len(file)-8 {
		t.Fatalf("riff size %d, want %d", got, len(file)-8)
	}
	if got := le.Uint16(file[20:22]); got != 1 {
		t.Fatalf("audio format %d, want PCM", got)
	}
	if got := le.Uint16(file[22:24]); got != 1 {
		t.Fatalf("channels %d, want 1", got)
	}
	if got := le.Uint32(file[24:28]); got != 24000 {
		t.Fatalf("sample rate %d, want 24000", got)
	}
	if got := le.Uint16(file[34:36]); got != 16 {
		t.Fatalf("bit depth %d, want 16", got)
	}
	if got := le.Uint32(file[40:44]); int(got) != dataLen {
		t.Fatalf("data size %d, want %d", got, dataLen)
	}
	if !bytes.Equal(file[wavHeaderSize:], pcm) {
		t.Fatal("wav data section differs from raw stream")
	}

	dec := wav.NewDecoder(bytes.NewReader(file))
	if !dec.IsValidFile() {
		t.Fatal("decoder rejected the file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode pcm: %v", err)
	}
	roundTrip := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		le.PutUint16(roundTrip[2*i:], uint16(int16(v)))
	}
	if !bytes.Equal(roundTrip, pcm) {
		t.Fatal("decoded wav does not reproduce the raw pcm")
	}
}

func TestSynthesizeWAVFailureSendsNoAudio(t *testing.T) {
	obs := &recordingObserver{}
	srv := newTestServer(t, &stubSynth{chunks: patternChunks(5), failAfter: 2, failErr: errors.New("vocoder failed")}, obs)
	resp := post(t, srv, "/synthesize-wav", `{"text":"partial"}`)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "audio/") {
		t.Fatalf("error response must not be audio, got %q", ct)
	}
	body := decodeError(t, resp)
	if body.Error.Code != codeSynthesis || body.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
	jobs := obs.snapshot()
	if len(jobs) != 2 || jobs[1].Status != protocol.StatusFailed || jobs[1].Bytes != 0 {
		t.Fatalf("unexpected observed jobs %+v", jobs)
	}
}

func TestSynthesizeWAVEmptyAudio(t *testing.T) {
	srv := newTestServer(t, &stubSynth{})
	resp := post(t, srv, "/synthesize-wav", `{"text":"."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	file, _ := io.ReadAll(resp.Body)
	if len(file) != wavHeaderSize || binary.LittleEndian.Uint32(file[40:44]) != 0 {
		t.Fatalf("expected an empty but valid wav, got %d bytes", len(file))
	}
}

func TestRequestValidation(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"chunk size zero", `{"text":"hi","chunk_size":0}`, http.StatusUnprocessableEntity, "chunk_size"},
		{"chunk size above max", `{"text":"hi","chunk_size":101}`, http.StatusUnprocessableEntity, "chunk_size"},
		{"chunk size lower bound", `{"text":"hi","chunk_size":1}`, http.StatusOK, ""},
		{"chunk size upper bound", `{"text":"hi","chunk_size":100}`, http.StatusOK, ""},
		{"chunk size not integer", `{"text":"hi","chunk_size":2.5}`, http.StatusUnprocessableEntity, "chunk_size"},
		{"empty text", `{"text":""}`, http.StatusUnprocessableEntity, "text"},
		{"missing text", `{"language":"en"}`, http.StatusUnprocessableEntity, "text"},
		{"text wrong type", `{"text":42}`, http.StatusUnprocessableEntity, "text"},
		{"single character", `{"text":"a"}`, http.StatusOK, ""},
		{"malformed json", `{"text":`, http.StatusBadRequest, ""},
		{"empty body", ``, http.StatusBadRequest, ""},
		{"trailing garbage", `{"text":"a"} garbage`, http.StatusBadRequest, ""},
		{"second object", `{"text":"a"}{"text":"b"}`, http.StatusBadRequest, ""},
		{"trailing whitespace", "{\"text\":\"a\"}\n  ", http.StatusOK, ""},
	}
	for _, path := range []string{"/synthesize", "/synthesize-wav"} {
		for _, tc := range cases {
			t.Run(path+" "+tc.name, func(t *testing.T) {
				synth := &stubSynth{chunks: patternChunks(1)}
				srv := newTestServer(t, synth)
				resp := post(t, srv, path, tc.body)
				if resp.StatusCode != tc.status {
					t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
				}
				if tc.status == http.StatusOK {
					return
				}
				if synth.calls.Load() != 0 {
					t.Fatal("model must not be invoked for an invalid request")
				}
				if tc.field != "" {
					if body := decodeError(t, resp); body.Error.Field != tc.field {
						t.Fatalf("expected field %q, got %+v", tc.field, body.Error)
					}
				}
			})
		}
	}
}

func TestRequestTooLarge(t *testing.T) {
	srv := newTestServer(t, &stubSynth{})
	big := `{"text":"` + strings.Repeat("a", 2<<20) + `"}`
	resp := post(t, srv, "/synthesize", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestDefaultsAndPassThrough(t *testing.T) {
	synth := &stubSynth{chunks: patternChunks(1)}
	srv := newTestServer(t, synth)

	resp := post(t, srv, "/synthesize", `{"text":"defaults"}`)
	_, _ = io.ReadAll(resp.Body)
	if got := synth.lastRequest(); got.Language != "en" || got.ChunkSize != 20 || got.Text != "defaults" {
		t.Fatalf("unexpected defaults %+v", got)
	}

	resp = post(t, srv, "/synthesize", `{"text":"klingon","language":"tlh","chunk_size":55}`)
	_, _ = io.ReadAll(resp.Body)
	if got := synth.lastRequest(); got.Language != "tlh" || got.ChunkSize != 55 {
		t.Fatalf("language must pass through uninterpreted, got %+v", got)
	}
	if got := synth.lastRequest(); got.RequestID == "" {
		t.Fatal("request id must reach the model")
	}
}

func TestRequestIDPropagates(t *testing.T) {
	synth := &stubSynth{chunks: patternChunks(1)}
	srv := newTestServer(t, synth)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/synthesize", strings.NewReader(`{"text":"id"}`))
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.ReadAll(resp.Body)
	if resp.Header.Get("X-Request-ID") != "req-42" || synth.lastRequest().RequestID != "req-42" {
		t.Fatalf("request id not propagated")
	}
}

func TestObserversSeeJobLifecycle(t *testing.T) {
	chunks := patternChunks(3)
	obs := &recordingObserver{}
	srv := newTestServer(t, &stubSynth{chunks: chunks}, obs)
	resp := post(t, srv, "/synthesize", `{"text":"`+strings.Repeat("long text ", 10)+`"}`)
	_, _ = io.ReadAll(resp.Body)

	jobs := obs.snapshot()
	if len(jobs) != 2 {
		t.Fatalf("expected start and finish, got %d", len(jobs))
	}
	if jobs[0].Status != protocol.StatusStarted || jobs[1].Status != protocol.StatusCompleted {
		t.Fatalf("unexpected statuses %s, %s", jobs[0].Status, jobs[1].Status)
	}
	if jobs[1].Bytes != int64(len(bytes.Join(chunks, nil))) || jobs[1].Chunks != 3 {
		t.Fatalf("unexpected totals %+v", jobs[1])
	}
	if !strings.HasSuffix(jobs[0].TextPreview, "...") || len([]rune(jobs[0].TextPreview)) != 53 {
		t.Fatalf("expected truncated preview, got %q", jobs[0].TextPreview)
	}
	if jobs[1].Mode != protocol.ModeRaw || jobs[1].Model != "xtts_v2" {
		t.Fatalf("unexpected job metadata %+v", jobs[1])
	}
}

func TestClientDisconnectAbandonsSynthesis(t *testing.T) {
	synth := &stubSynth{chunks: patternChunks(4), gate: make(chan struct{}), cancelled: make(chan struct{})}
	obs := &recordingObserver{}
	srv := newTestServer(t, synth, obs)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/synthesize", strings.NewReader(`{"text":"bye"}`))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	first := make([]byte, 8)
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-synth.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis was not cancelled after the client left")
	}
}

func TestPredictBeforeLoadIsUnavailable(t *testing.T) {
	cfg := config.Default()
	gw := tts.NewGateway(cfg.Model, &stubSynth{}, newLogger())
	srv := httptest.NewServer(New(cfg, gw, newLogger()).Handler())
	defer srv.Close()
	resp := post(t, srv, "/synthesize", `{"text":"too early"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, &stubSynth{})
	resp, err := srv.Client().Get(srv.URL + "/synthesize")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestPanicResponseCarriesRequestID(t *testing.T) {
	cfg := config.Default()
	gw := tts.NewGateway(cfg.Model, &stubSynth{}, newLogger())
	h := New(cfg, gw, newLogger()).wrap(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodPost, "/synthesize", nil)
	req.Header.Set("X-Request-ID", "panic-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.RequestID != "panic-1" || body.Error.Code != codeInternal {
		t.Fatalf("unexpected error body %+v", body)
	}
}
