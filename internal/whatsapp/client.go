// Package whatsapp sends replies through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/internal/model"
	"github.com/clinicai/intake-assistant/pkg/logger"
	"github.com/clinicai/intake-assistant/pkg/metrics"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// HTTPStatusError is returned when the Cloud API answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: status %d: %s", e.StatusCode, e.Body)
}

// Sender delivers a text message to a WhatsApp user.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Client is the Cloud API messages client.
type Client struct {
	baseURL       string
	phoneNumberID string
	token         string
	httpClient    *http.Client
	logger        *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Graph API base URL, including its version.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = strings.TrimRight(s, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client that sends from phoneNumberID.
func NewClient(phoneNumberID, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(phoneNumberID) == "" {
		return nil, errors.New("whatsapp: phone number ID must not be empty")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("whatsapp: API token must not be empty")
	}

	c := &Client{
		baseURL:       defaultBaseURL,
		phoneNumberID: phoneNumberID,
		token:         token,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
}

// Send posts a text message to recipient to. Failures are logged and
// counted before being returned.
func (c *Client) Send(ctx context.Context, to, text string) error {
	err := c.send(ctx, to, text)
	if err != nil {
		metrics.WhatsAppSendFailuresTotal.Inc()

		fields := []zap.Field{zap.String("to", logger.MaskSender(to)), zap.Error(err)}
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			fields = append(fields, zap.Int("status", statusErr.StatusCode), zap.String("body", statusErr.Body))
		}
		logger.FromContext(ctx, c.logger).Error("failed to send whatsapp message", fields...)
	}
	return err
}

func (c *Client) send(ctx context.Context, to, text string) error {
	body, err := json.Marshal(model.OutboundText{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             model.OutboundTextBody{Body: text},
	})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return nil
}
