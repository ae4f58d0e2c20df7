package protocol

import "time"

// Delivery modes of a synthesis job.
const (
	ModeRaw = "pcm"
	ModeWAV = "wav"
)

// Job statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SynthesisJob describes one synthesis request as it moves through the relay.
// It is persisted by the job store and broadcast on the bus.
type SynthesisJob struct {
	RequestID   string    `json:"request_id"`
	Mode        string    `json:"mode"`
	Model       string    `json:"model"`
	Language    string    `json:"language"`
	ChunkSize   int       `json:"chunk_size"`
	TextPreview string    `json:"text_preview"`
	TextLength  int       `json:"text_length"`
	Status      string    `json:"status"`
	Bytes       int64     `json:"bytes"`
	Chunks      int       `json:"chunks"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Subject returns the bus subject for the job's current status under prefix.
func (j SynthesisJob) Subject(prefix string) string {
	return prefix + "." + j.Status
}

// SynthesisRequest asks for synthesis over the bus instead of HTTP.
type SynthesisRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Language  string `json:"language,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// AudioChunk carries one slice of PCM back to a bus requester. The last
// chunk of a synthesis has Final set and, if synthesis failed, Error.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

// AudioSubject is where chunks for requestID go when the request had no reply subject.
func AudioSubject(prefix, requestID string) string {
	return prefix + "." + requestID
}
