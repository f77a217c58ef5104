// Package reasoning delivers inbound envelopes to the external reasoning
// service over HTTP. Replies come back asynchronously through the
// dispatch endpoint, not on this call.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/metrics"
)

// Client posts message envelopes to the reasoning service.
type Client struct {
	baseURL    string
	maxRetries int
	client     *http.Client
	logger     *slog.Logger

	// overridable in tests to avoid real backoff sleeps
	retryDelay func(attempt int) time.Duration
}

// ClientConfig configures the reasoning client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: cfg.MaxRetries,
		client:     newHTTPClient(cfg.Timeout),
		logger:     cfg.Logger,
		retryDelay: defaultRetryDelay,
	}
}

// newHTTPClient returns a pooled HTTP client with sane transport timeouts.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// receivePayload mirrors the reasoning service's /receive_message contract.
type receivePayload struct {
	Platform          string              `json:"platform"`
	AgentID           string              `json:"agent_id"`
	ExternalChatID    string              `json:"external_chat_id"`
	ExternalMessageID string              `json:"external_message_id"`
	SenderID          string              `json:"sender_id"`
	SenderName        string              `json:"sender_name,omitempty"`
	Content           string              `json:"content"`
	Attachments       []attachmentPayload `json:"attachments,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
}

type attachmentPayload struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// Deliver forwards one inbound envelope. Transient failures (network
// errors, 5xx, 429, 408) are retried with backoff; other 4xx responses
// fail immediately.
func (c *Client) Deliver(ctx context.Context, env domain.Envelope) error {
	payload := receivePayload{
		Platform:          string(env.Platform),
		AgentID:           env.AgentID,
		ExternalChatID:    env.ChatID,
		ExternalMessageID: env.MessageID,
		SenderID:          env.SenderID,
		SenderName:        env.SenderName,
		Content:           env.Content,
		Timestamp:         env.Timestamp,
	}
	for _, a := range env.Attachments {
		payload.Attachments = append(payload.Attachments, attachmentPayload{URL: a.URL, Filename: a.Filename})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	start := time.Now()
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/receive_message", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	metrics.ForwardLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reasoning service rejected envelope: HTTP %d", resp.StatusCode)
	}
	return nil
}

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes an HTTP request with exponential backoff retry
// for transient errors (network failures, 5xx, 429, 408).
func (c *Client) doWithRetry(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryDelay(attempt)
			if retryAfter > backoff {
				backoff = retryAfter
			}
			c.logger.Warn("retrying delivery", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		retryAfter = 0

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.maxRetries {
				c.logger.Warn("delivery failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("delivery failed after %d retries: %w", c.maxRetries, err)
		}

		// Retry on 5xx server errors, 429 rate-limit, and 408 timeout.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < c.maxRetries {
				c.logger.Warn("reasoning service error, will retry",
					"status", resp.StatusCode, "body", string(body))
				continue
			}
			return nil, fmt.Errorf("reasoning service error after %d retries: %w", c.maxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// defaultRetryDelay grows quadratically with jitter to prevent thundering herd.
func defaultRetryDelay(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
