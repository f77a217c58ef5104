package deadletter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEnvelope(id, chat string) domain.Envelope {
	return domain.Envelope{
		ID:        id,
		Platform:  domain.PlatformTelegram,
		AgentID:   "atlas",
		ChatID:    chat,
		MessageID: "msg-" + id,
		SenderID:  "user-9",
		Content:   "undeliverable " + id,
		Direction: domain.DirectionInbound,
		Timestamp: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestRecordCodecRoundTrip(t *testing.T) {
	env := testEnvelope("dl-1", "chat-7")
	env.Attachments = []domain.Attachment{{URL: "https://cdn.example/a.png", Filename: "a.png"}}

	data, id, err := encodeRecord(env, "reasoning unreachable")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if id != "dl-1" {
		t.Errorf("id = %q, want dl-1", id)
	}

	got, cause, err := decodeRecord(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cause != "reasoning unreachable" {
		t.Errorf("cause = %q", cause)
	}
	if got.Platform != env.Platform || got.AgentID != env.AgentID || got.ChatID != env.ChatID {
		t.Errorf("routing fields changed: %+v", got)
	}
	if got.Content != env.Content {
		t.Errorf("content = %q", got.Content)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "https://cdn.example/a.png" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestEncodeAssignsMissingID(t *testing.T) {
	env := testEnvelope("", "chat-7")
	_, id, err := encodeRecord(env, "x")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if id == "" {
		t.Error("expected a generated id for an envelope without one")
	}
}

func TestChatKey(t *testing.T) {
	env := testEnvelope("dl-2", "chat-42")
	if k := chatKey(env); k != "telegram/atlas/chat-42" {
		t.Errorf("chatKey = %q", k)
	}
}

func TestStoreSinkRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deadletter.db")
	sink, err := NewStoreSink(dbPath, testLogger())
	if err != nil {
		t.Fatalf("NewStoreSink failed: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Write(ctx, testEnvelope("dl-a", "chat-1"), "delivery retries exhausted"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Write(ctx, testEnvelope("dl-b", "chat-2"), "chat queue overflow"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	records, err := sink.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	byID := map[string]Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	a, ok := byID["dl-a"]
	if !ok {
		t.Fatal("record dl-a missing")
	}
	if a.Cause != "delivery retries exhausted" {
		t.Errorf("cause = %q", a.Cause)
	}
	if a.Envelope.Content != "undeliverable dl-a" {
		t.Errorf("content = %q", a.Envelope.Content)
	}
	if a.FailedAt.IsZero() {
		t.Error("FailedAt not recorded")
	}
}

func TestStoreSinkListLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deadletter.db")
	sink, err := NewStoreSink(dbPath, testLogger())
	if err != nil {
		t.Fatalf("NewStoreSink failed: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		env := testEnvelope("", "chat-1")
		if err := sink.Write(ctx, env, "x"); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	records, err := sink.List(ctx, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("got %d records, want 3", len(records))
	}
}

func TestNewSelectsSinkFromConfig(t *testing.T) {
	dir := t.TempDir()

	sink, err := New(config.DeadLetterConfig{DBPath: filepath.Join(dir, "dl.db")}, testLogger())
	if err != nil {
		t.Fatalf("New(store) failed: %v", err)
	}
	if _, ok := sink.(*StoreSink); !ok {
		t.Errorf("expected StoreSink, got %T", sink)
	}
	sink.Close()

	sink, err = New(config.DeadLetterConfig{Brokers: []string{"localhost:9092"}, Topic: "botfleet.deadletter"}, testLogger())
	if err != nil {
		t.Fatalf("New(kafka) failed: %v", err)
	}
	if _, ok := sink.(*KafkaSink); !ok {
		t.Errorf("expected KafkaSink, got %T", sink)
	}
	sink.Close()
}
