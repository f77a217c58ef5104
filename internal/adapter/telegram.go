package adapter

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram is a webhook-fed connection: Telegram pushes updates to our
// HTTP surface, which hands each raw body to PushWebhook. No polling,
// no held socket.
type Telegram struct {
	agentID        string
	webhookBaseURL string
	logger         *slog.Logger
	events         chan domain.RawEvent

	mu         sync.Mutex
	bot        *tgbotapi.BotAPI
	secret     string
	webhookURL string
	closed     bool
}

func NewTelegram(opts Options) *Telegram {
	return &Telegram{
		agentID:        opts.AgentID,
		webhookBaseURL: strings.TrimRight(opts.WebhookBaseURL, "/"),
		logger:         opts.Logger,
		events:         make(chan domain.RawEvent, eventBuffer),
	}
}

func (t *Telegram) Platform() domain.Platform { return domain.PlatformTelegram }

// Connect validates the token against getMe and registers this
// deployment's webhook with a fresh per-connection secret. The secret
// rotates on every start, so webhooks aimed at a dead incarnation fail
// verification instead of leaking into the new one.
func (t *Telegram) Connect(ctx context.Context, credentials []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	creds, err := domain.DecodeCredentials(credentials)
	if err != nil {
		return err
	}

	bot, err := tgbotapi.NewBotAPI(creds.Token)
	if err != nil {
		if isTelegramAuthError(err) {
			return fmt.Errorf("telegram rejected token: %w", domain.ErrCredentialInvalid)
		}
		return fmt.Errorf("telegram bot init: %w", err)
	}

	secret := uuid.NewString()
	webhookURL := fmt.Sprintf("%s/webhook/telegram/%s", t.webhookBaseURL, t.agentID)

	params := tgbotapi.Params{}
	params["url"] = webhookURL
	params["secret_token"] = secret
	if err := params.AddInterface("allowed_updates", []string{"message"}); err != nil {
		return fmt.Errorf("telegram webhook params: %w", err)
	}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("telegram setWebhook: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.secret = secret
	t.webhookURL = webhookURL
	t.mu.Unlock()

	t.logger.Info("telegram bot connected",
		"agent", t.agentID, "username", bot.Self.UserName, "webhook", webhookURL,
	)
	return nil
}

// PushWebhook verifies and ingests one update pushed by Telegram. The
// secret is compared in constant time against this connection's token.
func (t *Telegram) PushWebhook(secret string, body []byte) error {
	t.mu.Lock()
	want := t.secret
	closed := t.closed
	t.mu.Unlock()

	if closed || want == "" {
		return fmt.Errorf("connection not running")
	}
	if !hmac.Equal([]byte(secret), []byte(want)) {
		return domain.ErrUnauthorized
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("malformed update: %w", err)
	}
	t.handleUpdate(update)
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.From.IsBot {
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		content = strings.TrimSpace(msg.Caption)
	}

	ev := domain.RawEvent{
		Platform:   domain.PlatformTelegram,
		AgentID:    t.agentID,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: msg.From.UserName,
		Content:    content,
		Timestamp:  time.Unix(int64(msg.Date), 0),
	}
	t.collectAttachments(msg, &ev)

	if ev.Content == "" && len(ev.Attachments) == 0 {
		return
	}
	t.deliver(ev)
}

func (t *Telegram) collectAttachments(msg *tgbotapi.Message, ev *domain.RawEvent) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return
	}

	if msg.Document != nil {
		if url, err := bot.GetFileDirectURL(msg.Document.FileID); err == nil {
			ev.Attachments = append(ev.Attachments, domain.Attachment{URL: url, Filename: msg.Document.FileName})
		} else {
			t.logger.Warn("telegram file URL lookup failed", "agent", t.agentID, "err", err)
		}
	}
	if len(msg.Photo) > 0 {
		// Photo sizes are ordered smallest to largest.
		best := msg.Photo[len(msg.Photo)-1]
		if url, err := bot.GetFileDirectURL(best.FileID); err == nil {
			ev.Attachments = append(ev.Attachments, domain.Attachment{URL: url})
		} else {
			t.logger.Warn("telegram file URL lookup failed", "agent", t.agentID, "err", err)
		}
	}
}

func (t *Telegram) deliver(ev domain.RawEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		metrics.EnvelopesDropped.Inc()
		t.logger.Warn("event buffer full, dropping message", "agent", t.agentID, "chat", ev.ChatID)
	}
}

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not connected")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", chatID, err)
	}

	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, bot, id, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one chunk with retry and rate limit handling.
// Strategy: try Markdown first, on parse error fall back to plain text,
// back off on 429.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}
		// Subsequent attempts go out as plain text; the markup may be malformed.

		_, err := bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			wait := telegramRetryAfter(err, attempt)
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

func telegramRetryAfter(err error, attempt int) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return time.Duration(attempt+1) * 3 * time.Second
}

func (t *Telegram) Events() <-chan domain.RawEvent { return t.events }

// Healthy checks the webhook registration is still ours. Another
// deployment claiming the same bot token silently steals the webhook;
// surfacing that lets the supervisor restart and re-register.
func (t *Telegram) Healthy(ctx context.Context) error {
	t.mu.Lock()
	bot := t.bot
	want := t.webhookURL
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not connected")
	}

	info, err := bot.GetWebhookInfo()
	if err != nil {
		return fmt.Errorf("webhook info: %w", err)
	}
	if info.URL != want {
		return fmt.Errorf("webhook registration lost, now %q", info.URL)
	}
	return nil
}

func (t *Telegram) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	bot := t.bot
	t.bot = nil
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	var err error
	if bot != nil {
		_, err = bot.Request(tgbotapi.DeleteWebhookConfig{})
	}
	close(t.events)
	if err != nil {
		return fmt.Errorf("telegram deleteWebhook: %w", err)
	}
	return nil
}

func isTelegramAuthError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401 || apiErr.Code == 403
	}
	return strings.Contains(err.Error(), "Unauthorized")
}
