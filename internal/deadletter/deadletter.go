// Package deadletter persists envelopes that exhausted their delivery
// retries so no message is silently lost. Deployments with a Kafka
// broker publish to a topic; everything else lands in a local SQLite
// table for later inspection.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/domain"

	"github.com/google/uuid"
)

// Sink receives envelopes that could not be delivered.
type Sink interface {
	Write(ctx context.Context, env domain.Envelope, cause string) error
	Close() error
}

// New selects a sink from config: Kafka when brokers are configured,
// local SQLite otherwise.
func New(cfg config.DeadLetterConfig, logger *slog.Logger) (Sink, error) {
	if len(cfg.Brokers) > 0 {
		return NewKafkaSink(cfg.Brokers, cfg.Topic, logger), nil
	}
	return NewStoreSink(cfg.DBPath, logger)
}

// envelopeRecord is the wire form shared by both sinks.
type envelopeRecord struct {
	ID          string             `json:"id"`
	Platform    string             `json:"platform"`
	AgentID     string             `json:"agent_id"`
	ChatID      string             `json:"chat_id"`
	MessageID   string             `json:"message_id"`
	SenderID    string             `json:"sender_id,omitempty"`
	SenderName  string             `json:"sender_name,omitempty"`
	Content     string             `json:"content"`
	Attachments []attachmentRecord `json:"attachments,omitempty"`
	Direction   string             `json:"direction"`
	Timestamp   time.Time          `json:"timestamp"`
	Cause       string             `json:"cause"`
	FailedAt    time.Time          `json:"failed_at"`
}

type attachmentRecord struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// encodeRecord serializes an envelope with its failure cause. Envelopes
// that never got an ID are assigned one here so every dead letter is
// individually addressable.
func encodeRecord(env domain.Envelope, cause string) (data []byte, id string, err error) {
	id = env.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := envelopeRecord{
		ID:         id,
		Platform:   string(env.Platform),
		AgentID:    env.AgentID,
		ChatID:     env.ChatID,
		MessageID:  env.MessageID,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		Content:    env.Content,
		Direction:  string(env.Direction),
		Timestamp:  env.Timestamp,
		Cause:      cause,
		FailedAt:   time.Now().UTC(),
	}
	for _, a := range env.Attachments {
		rec.Attachments = append(rec.Attachments, attachmentRecord{URL: a.URL, Filename: a.Filename})
	}
	data, err = json.Marshal(rec)
	return data, id, err
}

func decodeRecord(data []byte) (domain.Envelope, string, error) {
	var rec envelopeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Envelope{}, "", fmt.Errorf("decode dead letter: %w", err)
	}
	env := domain.Envelope{
		ID:         rec.ID,
		Platform:   domain.Platform(rec.Platform),
		AgentID:    rec.AgentID,
		ChatID:     rec.ChatID,
		MessageID:  rec.MessageID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		Content:    rec.Content,
		Direction:  domain.Direction(rec.Direction),
		Timestamp:  rec.Timestamp,
	}
	for _, a := range rec.Attachments {
		env.Attachments = append(env.Attachments, domain.Attachment{URL: a.URL, Filename: a.Filename})
	}
	return env, rec.Cause, nil
}

// chatKey groups a chat's envelopes so a partitioned sink keeps them in order.
func chatKey(env domain.Envelope) string {
	return fmt.Sprintf("%s/%s/%s", env.Platform, env.AgentID, env.ChatID)
}
