// Package adapter owns the per-connection platform clients. The
// supervisor builds a fresh adapter for every connection start and
// drives its lifecycle; adapters never reconnect on their own.
package adapter

import (
	"fmt"
	"log/slog"
	"strings"

	"botfleet/internal/domain"
)

// eventBuffer bounds the per-connection queue between the platform
// callback and the router pump.
const eventBuffer = 64

// Options carries per-connection construction parameters.
type Options struct {
	AgentID        string
	WebhookBaseURL string // public base URL for webhook platforms
	Logger         *slog.Logger
}

// New builds an adapter for one connection attempt. Construction checks
// configuration only; credentials are verified in Connect.
func New(platform domain.Platform, opts Options) (domain.Adapter, error) {
	switch platform {
	case domain.PlatformDiscord:
		return NewDiscord(opts), nil
	case domain.PlatformTelegram:
		if opts.WebhookBaseURL == "" {
			return nil, fmt.Errorf("telegram connections require api.webhookBaseUrl")
		}
		return NewTelegram(opts), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

// WebhookReceiver is implemented by adapters fed over HTTP push rather
// than a held connection. secret is the platform's verification header
// value; body is the raw request payload.
type WebhookReceiver interface {
	PushWebhook(secret string, body []byte) error
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
