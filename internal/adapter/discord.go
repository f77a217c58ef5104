package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord holds one bot's gateway session.
type Discord struct {
	agentID string
	logger  *slog.Logger
	events  chan domain.RawEvent

	mu      sync.Mutex
	session *discordgo.Session
	closed  bool
}

func NewDiscord(opts Options) *Discord {
	return &Discord{
		agentID: opts.AgentID,
		logger:  opts.Logger,
		events:  make(chan domain.RawEvent, eventBuffer),
	}
}

func (d *Discord) Platform() domain.Platform { return domain.PlatformDiscord }

// Connect opens the gateway session. A token the gateway refuses is a
// permanent credential failure; everything else is transient.
func (d *Discord) Connect(ctx context.Context, credentials []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	creds, err := domain.DecodeCredentials(credentials)
	if err != nil {
		return err
	}

	session, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		if isDiscordAuthError(err) {
			return fmt.Errorf("discord gateway refused token: %w", domain.ErrCredentialInvalid)
		}
		return fmt.Errorf("discord connect: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	d.logger.Info("discord bot connected", "agent", d.agentID, "user", session.State.User.Username)
	return nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own messages and other bots.
	if m.Author == nil || m.Author.Bot {
		return
	}

	ev := domain.RawEvent{
		Platform:   domain.PlatformDiscord,
		AgentID:    d.agentID,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
	for _, att := range m.Attachments {
		ev.Attachments = append(ev.Attachments, domain.Attachment{URL: att.URL, Filename: att.Filename})
	}
	d.deliver(ev)
}

func (d *Discord) deliver(ev domain.RawEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		metrics.EnvelopesDropped.Inc()
		d.logger.Warn("event buffer full, dropping message", "agent", d.agentID, "chat", ev.ChatID)
	}
}

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return fmt.Errorf("discord session not connected")
	}

	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := session.ChannelMessageSend(chatID, chunk, discordgo.WithContext(ctx)); err != nil {
			var rle *discordgo.RateLimitError
			if errors.As(err, &rle) {
				return fmt.Errorf("discord send: %w", domain.ErrRateLimited)
			}
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (d *Discord) Events() <-chan domain.RawEvent { return d.events }

// Healthy reports gateway liveness from session state. Heartbeat acks
// stop arriving when the websocket dies underneath discordgo.
func (d *Discord) Healthy(ctx context.Context) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no gateway session")
	}
	if session.State == nil || session.State.User == nil {
		return fmt.Errorf("gateway session not ready")
	}
	if last := session.LastHeartbeatAck; !last.IsZero() && time.Since(last) > 3*time.Minute {
		return fmt.Errorf("gateway heartbeat stale for %s", time.Since(last).Truncate(time.Second))
	}
	return nil
}

func (d *Discord) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	alreadyClosed := d.closed
	d.closed = true
	d.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	var err error
	if session != nil {
		err = session.Close()
	}
	close(d.events)
	return err
}

func isDiscordAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Authentication failed") ||
		strings.Contains(msg, "HTTP 401 Unauthorized")
}
