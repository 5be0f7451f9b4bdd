// Package telegram delivers showrun alerts to a Telegram chat through the
// Bot API. Alert bodies are markdown; they are rendered to the HTML subset
// Telegram accepts, and texts over the 4096-char API limit are split on
// line boundaries. On an HTML rejection the chunk is resent as plain text
// so the alert still lands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/showrun/showrun"
)

const (
	maxMessageLength = 4096
	defaultBaseURL   = "https://api.telegram.org/bot"
)

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithBaseURL overrides the Bot API endpoint. Tests point this at a local
// server.
func WithBaseURL(u string) Option {
	return func(n *Notifier) { n.baseURL = u }
}

// Notifier implements showrun.Notifier over the Telegram Bot API, posting
// every alert to a single chat.
type Notifier struct {
	token      string
	chatID     string
	baseURL    string
	httpClient *http.Client
}

var _ showrun.Notifier = (*Notifier)(nil)

// New creates a Notifier for the given bot token and chat.
func New(token, chatID string, opts ...Option) *Notifier {
	n := &Notifier{
		token:      token,
		chatID:     chatID,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Notify renders the alert and sends it.
func (n *Notifier) Notify(ctx context.Context, a showrun.Alert) error {
	for _, chunk := range splitMessage(formatAlert(a)) {
		body := map[string]any{
			"chat_id":    n.chatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		err := n.call(ctx, "sendMessage", body, nil)
		if err == nil {
			continue
		}
		// Bad HTML gets a 400. The alert matters more than the markup, so
		// retry the raw chunk without parse_mode.
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			plain := map[string]any{"chat_id": n.chatID, "text": chunk}
			if err := n.call(ctx, "sendMessage", plain, nil); err != nil {
				return err
			}
			continue
		}
		return err
	}
	return nil
}

// formatAlert renders an alert as markdown: severity prefix, bold title,
// task reference, body.
func formatAlert(a showrun.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: **%s**", strings.ToUpper(string(a.Severity)), a.Title)
	if a.TaskID != "" {
		fmt.Fprintf(&b, "\ntask `%s`", a.TaskID)
	}
	if a.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(a.Body)
	}
	return b.String()
}

// call posts JSON to a Telegram Bot API method and decodes the result.
func (n *Notifier) call(ctx context.Context, method string, reqBody any, result any) error {
	url := n.baseURL + n.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	// Parse the envelope to check ok/description
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}

	if !envelope.OK {
		return &apiError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}

	return nil
}

// apiError represents a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// splitMessage splits text into chunks that fit within Telegram's 4096-char limit.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++ // include the newline in the current chunk
		}

		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}

	return chunks
}
