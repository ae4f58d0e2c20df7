package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// SynthesisRequest is the validated body of a synthesis call.
type SynthesisRequest struct {
	Text      string
	Language  string
	ChunkSize int
}

type synthesisPayload struct {
	Text      *string `json:"text"`
	Language  *string `json:"language"`
	ChunkSize *int    `json:"chunk_size"`
}

// ValidationError reports a request field the relay refuses before any
// model work starts.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

var (
	// errMalformedBody marks bodies that are not a JSON object at all.
	errMalformedBody = errors.New("malformed request body")
	errBodyTooLarge  = errors.New("request body too large")
)

func decodeRequest(w http.ResponseWriter, r *http.Request, cfg config.RelayConfig, maxBytes int64) (SynthesisRequest, error) {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	var payload synthesisPayload
	dec := json.NewDecoder(body)
	if err := dec.Decode(&payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &typeErr):
			return SynthesisRequest{}, &ValidationError{Field: typeErr.Field, Message: fmt.Sprintf("must be of type %s", typeErr.Type)}
		case errors.As(err, &tooLarge):
			return SynthesisRequest{}, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return SynthesisRequest{}, fmt.Errorf("%w: empty body", errMalformedBody)
		default:
			return SynthesisRequest{}, fmt.Errorf("%w: %v", errMalformedBody, err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return SynthesisRequest{}, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return SynthesisRequest{}, fmt.Errorf("%w: trailing data after JSON object", errMalformedBody)
	}
	return payload.validate(cfg)
}

func (p synthesisPayload) validate(cfg config.RelayConfig) (SynthesisRequest, error) {
	req := SynthesisRequest{
		Language:  cfg.DefaultLanguage,
		ChunkSize: cfg.DefaultChunkSize,
	}
	if p.Text == nil {
		return req, &ValidationError{Field: "text", Message: "field required"}
	}
	if *p.Text == "" {
		return req, &ValidationError{Field: "text", Message: "must not be empty"}
	}
	req.Text = *p.Text
	if p.Language != nil {
		req.Language = *p.Language
	}
	if p.ChunkSize != nil {
		if *p.ChunkSize < cfg.MinChunkSize || *p.ChunkSize > cfg.MaxChunkSize {
			return req, &ValidationError{
				Field:   "chunk_size",
				Message: fmt.Sprintf("must be between %d and %d", cfg.MinChunkSize, cfg.MaxChunkSize),
			}
		}
		req.ChunkSize = *p.ChunkSize
	}
	return req, nil
}

func (r SynthesisRequest) synthRequest(requestID string) tts.SynthRequest {
	return tts.SynthRequest{
		RequestID: requestID,
		Text:      r.Text,
		Language:  r.Language,
		ChunkSize: r.ChunkSize,
	}
}

// preview returns at most n runes of text, marking truncation with "...".
func preview(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}
