package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startService(t *testing.T, synth Synthesizer) (*bus.Client, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Bus.Stream = ""

	srv, err := natsserver.Start(cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Bus.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg.Bus, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	gw := NewGateway(testModelConfig(), synth, newLogger())
	if err := gw.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	svc := NewService(context.Background(), cfg, client, gw, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should be healthy once subscribed")
	}
	return client, cfg
}

func collectAudio(t *testing.T, sub *nats.Subscription) []protocol.AudioChunk {
	t.Helper()
	var chunks []protocol.AudioChunk
	for {
		msg, err := sub.NextMsg(5 * time.Second)
		if err != nil {
			t.Fatalf("next msg: %v", err)
		}
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		chunks = append(chunks, chunk)
		if chunk.Final {
			return chunks
		}
	}
}

func request(t *testing.T, client *bus.Client, subject string, req protocol.SynthesisRequest, reply string) {
	t.Helper()
	data, _ := json.Marshal(req)
	msg := &nats.Msg{Subject: subject, Reply: reply, Data: data}
	if err := client.Conn().PublishMsg(msg); err != nil {
		t.Fatalf("publish request: %v", err)
	}
}

func TestServiceStreamsChunksToReplySubject(t *testing.T) {
	chunks := fixedChunks(3)
	client, cfg := startService(t, &scriptedSynth{chunks: chunks})

	inbox := nats.NewInbox()
	sub, err := client.Conn().SubscribeSync(inbox)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	request(t, client, cfg.Bus.RequestSubject, protocol.SynthesisRequest{RequestID: "bus-1", Text: "hello"}, inbox)

	got := collectAudio(t, sub)
	if len(got) != 4 {
		t.Fatalf("expected 3 audio chunks and a final marker, got %d", len(got))
	}
	var pcm []byte
	for i, c := range got[:3] {
		if c.Sequence != i || c.RequestID != "bus-1" || c.SampleRate != 24000 {
			t.Fatalf("unexpected chunk %d: %+v", i, c)
		}
		pcm = append(pcm, c.PCM...)
	}
	if !bytes.Equal(pcm, bytes.Join(chunks, nil)) {
		t.Fatal("bus audio differs from synthesized audio")
	}
	if got[3].Error != "" || got[3].Sequence != 3 {
		t.Fatalf("unexpected final marker %+v", got[3])
	}
}

func TestServiceReportsFailureOnAudioSubject(t *testing.T) {
	client, cfg := startService(t, &scriptedSynth{chunks: fixedChunks(3), failAfter: 1, failErr: errors.New("vocoder failed")})

	sub, err := client.Conn().SubscribeSync(protocol.AudioSubject(cfg.Bus.AudioPrefix, "bus-2"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	request(t, client, cfg.Bus.RequestSubject, protocol.SynthesisRequest{RequestID: "bus-2", Text: "hello"}, "")

	got := collectAudio(t, sub)
	if len(got) != 2 || got[1].Error != "vocoder failed" {
		t.Fatalf("expected one chunk then a failed marker, got %+v", got)
	}
}

func TestServiceRejectsInvalidRequest(t *testing.T) {
	synth := &scriptedSynth{chunks: fixedChunks(1)}
	client, cfg := startService(t, synth)

	inbox := nats.NewInbox()
	sub, err := client.Conn().SubscribeSync(inbox)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	request(t, client, cfg.Bus.RequestSubject, protocol.SynthesisRequest{RequestID: "bus-3", Text: "hi", ChunkSize: 500}, inbox)

	got := collectAudio(t, sub)
	if len(got) != 1 || got[0].Error == "" {
		t.Fatalf("expected a single error marker, got %+v", got)
	}
}
