// Package telegram is a minimal Telegram Bot API client covering the methods
// FeedbackLoop needs: long polling, sending and editing messages with inline
// keyboards, and acknowledging button presses.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/retry"
)

// DefaultAPIBase is the production Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// DefaultPollTimeout is the long-poll timeout passed to getUpdates.
const DefaultPollTimeout = 30 * time.Second

// Client talks to the Telegram Bot API over plain HTTP.
type Client struct {
	token       string
	apiBase     string
	httpClient  *http.Client
	pollTimeout time.Duration
	policy      retry.Policy
}

// Option configures the client.
type Option func(*Client)

// WithAPIBase overrides the Bot API base URL, for tests.
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollTimeout overrides the getUpdates long-poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.pollTimeout = d }
}

// WithRetryPolicy overrides the retry policy for outbound calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient creates a Bot API client for the given bot token.
func NewClient(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	c := &Client{
		token:       token,
		apiBase:     DefaultAPIBase,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		pollTimeout: DefaultPollTimeout,
		policy:      retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) methodURL(method string) string {
	return c.apiBase + "/bot" + c.token + "/" + method
}

// call posts a Bot API method and decodes the response envelope into dest.
// HTTP 429 and 5xx responses are transient; other failures are permanent.
func (c *Client) call(ctx context.Context, method string, values url.Values, dest interface{ envelope() *apiResponse }) error {
	return c.policy.Do(ctx, "telegram "+method, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.URL.RawQuery = values.Encode()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("telegram %s status %d: %s", method, resp.StatusCode, string(body))
		}

		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s response: %w", method, err))
		}
		if env := dest.envelope(); !env.OK {
			return retry.Permanent(fmt.Errorf("telegram %s failed: %s (code %d)", method, env.Description, env.ErrorCode))
		}
		return nil
	})
}

func (r *apiResponse) envelope() *apiResponse { return r }

// GetUpdates long-polls for updates after the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int) ([]Update, error) {
	values := url.Values{}
	values.Set("offset", strconv.Itoa(offset))
	values.Set("timeout", strconv.Itoa(int(c.pollTimeout.Seconds())))
	values.Set("allowed_updates", `["message","callback_query"]`)

	var resp getUpdatesResponse
	if err := c.call(ctx, "getUpdates", values, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// markupJSON converts a keyboard to the reply_markup wire format. A nil or
// empty keyboard yields an empty string, which omits the parameter.
func markupJSON(keyboard models.Keyboard) (string, error) {
	if len(keyboard) == 0 {
		return "", nil
	}
	markup := inlineKeyboardMarkup{InlineKeyboard: make([][]inlineKeyboardButton, 0, len(keyboard))}
	for _, row := range keyboard {
		wireRow := make([]inlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			wireRow = append(wireRow, inlineKeyboardButton{Text: btn.Text, CallbackData: btn.Data})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, wireRow)
	}
	raw, err := json.Marshal(markup)
	if err != nil {
		return "", fmt.Errorf("marshal reply markup: %w", err)
	}
	return string(raw), nil
}

// Send posts a message, optionally with an inline keyboard, and returns the
// created message id.
func (c *Client) Send(ctx context.Context, chatID int64, text string, keyboard models.Keyboard) (int, error) {
	values := url.Values{}
	values.Set("chat_id", strconv.FormatInt(chatID, 10))
	values.Set("text", text)
	if markup, err := markupJSON(keyboard); err != nil {
		return 0, err
	} else if markup != "" {
		values.Set("reply_markup", markup)
	}

	var resp sendMessageResponse
	if err := c.call(ctx, "sendMessage", values, &resp); err != nil {
		slog.Error("Telegram sendMessage failed", "error", err, "chat_id", chatID)
		return 0, err
	}
	if resp.Result == nil {
		return 0, fmt.Errorf("telegram sendMessage returned empty result")
	}
	slog.Debug("Telegram message sent", "chat_id", chatID, "message_id", resp.Result.MessageID)
	return resp.Result.MessageID, nil
}

// Edit replaces the text and keyboard of an existing message. Telegram
// rejects edits that change nothing; that rejection is not an error here.
func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard models.Keyboard) error {
	values := url.Values{}
	values.Set("chat_id", strconv.FormatInt(chatID, 10))
	values.Set("message_id", strconv.Itoa(messageID))
	values.Set("text", text)
	if markup, err := markupJSON(keyboard); err != nil {
		return err
	} else if markup != "" {
		values.Set("reply_markup", markup)
	}

	var resp sendMessageResponse
	if err := c.call(ctx, "editMessageText", values, &resp); err != nil {
		if isNotModified(err) {
			return nil
		}
		slog.Error("Telegram editMessageText failed", "error", err, "chat_id", chatID, "message_id", messageID)
		return err
	}
	return nil
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	values := url.Values{}
	values.Set("callback_query_id", callbackID)
	if text != "" {
		values.Set("text", text)
	}
	var resp apiResponse
	if err := c.call(ctx, "answerCallbackQuery", values, &resp); err != nil {
		slog.Warn("Telegram answerCallbackQuery failed", "error", err, "callback_id", callbackID)
		return err
	}
	return nil
}
