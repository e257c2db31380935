// Package gateway implements the remote presentation client: create, edit,
// and delete operations against the messaging API with idempotency-aware
// retry policy and client-side pacing.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusus/envy/errors"
	"github.com/nexusus/envy/pkg/retry"
)

// API error code for a message whose edit budget is exhausted
const codeMaxEdits = 30046

// Message is one remote message as returned by ListRecent
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Timestamp time.Time
}

// Options configures the gateway client
type Options struct {
	BaseURL   string
	BotToken  string
	UserAgent string
	Timeout   time.Duration
	Retry     retry.Config
	// RequestsPerSecond paces outbound calls below the API's global limit
	RequestsPerSecond float64
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		BaseURL:           "https://discord.com/api/v10",
		UserAgent:         "Envy-Bot (https://github.com/nexusus/envy, 1.0.0)",
		Timeout:           15 * time.Second,
		Retry:             retry.DefaultConfig(),
		RequestsPerSecond: 25,
	}
}

// Client talks to the messaging API
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCfg   retry.Config
	logger     *slog.Logger
}

// New creates a gateway client
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.BotToken == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "bot token is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOptions().BaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = DefaultOptions().RequestsPerSecond
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultOptions().Retry
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    opts.BaseURL,
		token:      opts.BotToken,
		userAgent:  opts.UserAgent,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		retryCfg:   opts.Retry,
		logger:     logger,
	}, nil
}

// Create posts a new message at the destination and returns its id.
//
// Creates are not idempotent: a 5xx or a network failure after the request
// was sent may still have produced a message, so those outcomes surface
// ErrAmbiguousRemote and are never blindly retried. Only an explicit
// rate-limit rejection, which is known to precede processing, is retried.
func (c *Client) Create(ctx context.Context, destination string, payload Payload) (string, error) {
	var messageID string
	err := retry.Do(ctx, c.retryCfg, func() error {
		status, body, err := c.do(ctx, http.MethodPost,
			fmt.Sprintf("/channels/%s/messages", destination), payload)
		if err != nil {
			// The request may or may not have reached the API
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrAmbiguousRemote, err),
				"Client", "Create", "post message"))
		}

		switch {
		case status >= 200 && status < 300:
			var out struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
				return retry.NonRetryable(errors.WrapInvalid(
					fmt.Errorf("%w: unparseable create response", errors.ErrAmbiguousRemote),
					"Client", "Create", "parse response"))
			}
			messageID = out.ID
			return nil
		case status == http.StatusTooManyRequests:
			return retry.RetryAfter(errors.ErrRemoteTransient, retryAfterDelay(body))
		case status >= 500:
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: status %d", errors.ErrAmbiguousRemote, status),
				"Client", "Create", "post message"))
		default:
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: status %d: %s", errors.ErrRemotePermanent, status, truncate(body)),
				"Client", "Create", "post message"))
		}
	})
	return messageID, err
}

// Edit updates a message in place. Returns ErrMessageNotFound when the
// message no longer exists and ErrMessageUneditable when its edit budget is
// exhausted; both force the caller into a create flow.
func (c *Client) Edit(ctx context.Context, destination, messageID string, payload Payload) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		status, body, err := c.do(ctx, http.MethodPatch,
			fmt.Sprintf("/channels/%s/messages/%s", destination, messageID), payload)
		if err != nil {
			// Edits are idempotent, safe to retry
			return errors.WrapTransient(err, "Client", "Edit", "patch message")
		}

		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusNotFound:
			return retry.NonRetryable(errors.ErrMessageNotFound)
		case status == http.StatusTooManyRequests:
			return retry.RetryAfter(errors.ErrRemoteTransient, retryAfterDelay(body))
		case status >= 500:
			return errors.WrapTransient(
				fmt.Errorf("%w: status %d", errors.ErrRemoteTransient, status),
				"Client", "Edit", "patch message")
		default:
			if apiErrorCode(body) == codeMaxEdits {
				return retry.NonRetryable(errors.ErrMessageUneditable)
			}
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: status %d: %s", errors.ErrRemotePermanent, status, truncate(body)),
				"Client", "Edit", "patch message"))
		}
	})
}

// Delete removes a message. Idempotent: a not-found response counts as
// success since the desired end state holds.
func (c *Client) Delete(ctx context.Context, destination, messageID string) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		status, body, err := c.do(ctx, http.MethodDelete,
			fmt.Sprintf("/channels/%s/messages/%s", destination, messageID), nil)
		if err != nil {
			return errors.WrapTransient(err, "Client", "Delete", "delete message")
		}

		switch {
		case status >= 200 && status < 300, status == http.StatusNotFound:
			return nil
		case status == http.StatusTooManyRequests:
			return retry.RetryAfter(errors.ErrRemoteTransient, retryAfterDelay(body))
		case status >= 500:
			return errors.WrapTransient(
				fmt.Errorf("%w: status %d", errors.ErrRemoteTransient, status),
				"Client", "Delete", "delete message")
		default:
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: status %d: %s", errors.ErrRemotePermanent, status, truncate(body)),
				"Client", "Delete", "delete message"))
		}
	})
}

// Upsert edits the message when one exists and falls through to create when
// it is gone or permanently uneditable. Returns the live message id.
func (c *Client) Upsert(ctx context.Context, destination, messageID string, payload Payload) (string, error) {
	if messageID != "" {
		err := c.Edit(ctx, destination, messageID, payload)
		if err == nil {
			return messageID, nil
		}
		if !stderrors.Is(err, errors.ErrMessageNotFound) && !stderrors.Is(err, errors.ErrMessageUneditable) {
			return "", err
		}
		c.logger.Info("message not editable, creating replacement",
			"destination", destination, "message_id", messageID)
	}
	return c.Create(ctx, destination, payload)
}

// ListRecent returns up to limit recent messages at the destination, newest
// first. Used by the orphan scan.
func (c *Client) ListRecent(ctx context.Context, destination string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var messages []Message
	err := retry.Do(ctx, c.retryCfg, func() error {
		status, body, err := c.do(ctx, http.MethodGet,
			fmt.Sprintf("/channels/%s/messages?limit=%d", destination, limit), nil)
		if err != nil {
			return errors.WrapTransient(err, "Client", "ListRecent", "list messages")
		}

		switch {
		case status >= 200 && status < 300:
			var raw []struct {
				ID     string `json:"id"`
				Author struct {
					ID string `json:"id"`
				} `json:"author"`
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return retry.NonRetryable(errors.WrapInvalid(err, "Client", "ListRecent", "parse response"))
			}
			messages = make([]Message, 0, len(raw))
			for _, m := range raw {
				messages = append(messages, Message{
					ID:        m.ID,
					ChannelID: destination,
					AuthorID:  m.Author.ID,
					Timestamp: m.Timestamp,
				})
			}
			return nil
		case status == http.StatusTooManyRequests:
			return retry.RetryAfter(errors.ErrRemoteTransient, retryAfterDelay(body))
		case status >= 500:
			return errors.WrapTransient(
				fmt.Errorf("%w: status %d", errors.ErrRemoteTransient, status),
				"Client", "ListRecent", "list messages")
		default:
			return retry.NonRetryable(errors.WrapInvalid(
				fmt.Errorf("%w: status %d", errors.ErrRemotePermanent, status),
				"Client", "ListRecent", "list messages"))
		}
	})
	return messages, err
}

// do performs one paced HTTP call and returns status and body
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// retryAfterDelay extracts the advertised backoff from a rate-limit body
func retryAfterDelay(body []byte) time.Duration {
	var out struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &out); err == nil && out.RetryAfter > 0 {
		// small buffer on top of the advertised delay
		return time.Duration(out.RetryAfter*float64(time.Second)) + 50*time.Millisecond
	}
	return time.Second
}

// apiErrorCode extracts the API error code from an error body, 0 if none
func apiErrorCode(body []byte) int {
	var out struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0
	}
	return out.Code
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
