package domain

import (
	"context"
	"time"
)

// ConnectionStatus is the lifecycle state of one platform connection.
type ConnectionStatus string

const (
	StatusStopped  ConnectionStatus = "stopped"
	StatusStarting ConnectionStatus = "starting"
	StatusRunning  ConnectionStatus = "running"
	StatusStopping ConnectionStatus = "stopping"
	StatusError    ConnectionStatus = "error"
)

// ConnectionState is the supervisor's view of one binding's connection.
// Derived, never persisted; reconciled toward the latest binding version.
type ConnectionState struct {
	Key          BindingKey
	Status       ConnectionStatus
	BoundVersion int64
	LastError    string
	RetryCount   int
	Since        time.Time
}

// Adapter is one live connection to a chat platform for a single binding.
//
// Connect authenticates with the platform using the binding's credential
// blob; a rejection is reported as ErrCredentialInvalid. Send and
// Disconnect are bounded by their context deadline and must return promptly
// on cancellation. Events delivers inbound platform messages; the channel
// is closed when the connection dies or Disconnect completes.
type Adapter interface {
	Platform() Platform
	Connect(ctx context.Context, credentials []byte) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, chatID string, content string) error
	Events() <-chan RawEvent
	Healthy(ctx context.Context) error
}
