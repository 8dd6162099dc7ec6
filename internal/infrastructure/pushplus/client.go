// Package pushplus implements digest delivery through the PushPlus service.
package pushplus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/QianFuv/Paper-Scanner/internal/domain"
	"github.com/QianFuv/Paper-Scanner/internal/ports"
)

const defaultRetries = 3

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client posts messages to the PushPlus send endpoint with bounded retries.
type Client struct {
	endpoint string
	http     *http.Client
	retries  int
	log      *slog.Logger
}

var _ ports.Deliverer = (*Client)(nil)

// New builds a PushPlus client for the given send endpoint.
func New(endpoint string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		retries:  defaultRetries,
		log:      log.With("component", "pushplus"),
	}
}

type sendRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Channel  string `json:"channel"`
	Template string `json:"template"`
	To       string `json:"to,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Option   string `json:"option,omitempty"`
}

type sendResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Send delivers one message and returns the PushPlus message id.
func (c *Client) Send(ctx context.Context, msg domain.PushMessage) (string, error) {
	payload, err := json.Marshal(sendRequest{
		Token:    msg.Token,
		Title:    msg.Title,
		Content:  msg.Content,
		Channel:  msg.Channel,
		Template: msg.Template,
		To:       msg.To,
		Topic:    msg.Topic,
		Option:   msg.Option,
	})
	if err != nil {
		return "", fmt.Errorf("marshal push payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		messageID, retryable, err := c.sendOnce(ctx, payload)
		if err == nil {
			return messageID, nil
		}
		lastErr = err
		if !retryable || attempt == c.retries {
			break
		}
		c.log.Warn("push failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * time.Second):
		}
	}
	return "", fmt.Errorf("push request failed: %w", lastErr)
}

func (c *Client) sendOnce(ctx context.Context, payload []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if retryableStatus[resp.StatusCode] {
		return "", true, fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", true, fmt.Errorf("decode push response: %w", err)
	}
	if result.Code != 200 {
		message := result.Msg
		if message == "" {
			message = "unknown PushPlus error"
		}
		return "", false, fmt.Errorf("push rejected with code %d: %s", result.Code, message)
	}

	var messageID string
	if err := json.Unmarshal(result.Data, &messageID); err != nil {
		messageID = string(result.Data)
	}
	return messageID, false, nil
}
