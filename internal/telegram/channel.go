// Package telegram implements the delivery channel on the Telegram
// Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cimillas/storefront-core/internal/delivery"
	"github.com/cimillas/storefront-core/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

// Channel sends order content to a chat. API errors are mapped onto
// the dispatcher's taxonomy: 429 carries the retry_after hint, a
// handful of 400/403 descriptions are permanent, everything else is
// transient.
type Channel struct {
	token   string
	apiBase string
	http    *http.Client
}

func NewChannel(token string, opts ...ChannelOption) *Channel {
	c := &Channel{
		token:   token,
		apiBase: defaultAPIBase,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ChannelOption func(*Channel)

// WithAPIBase points the channel at a different API host, used in
// tests.
func WithAPIBase(base string) ChannelOption {
	return func(c *Channel) {
		c.apiBase = strings.TrimRight(base, "/")
	}
}

func (c *Channel) Send(ctx context.Context, recipient string, payload domain.DeliveryPayload) error {
	if payload.MediaRef != "" {
		params := url.Values{
			"chat_id":  {recipient},
			"document": {payload.MediaRef},
		}
		if payload.Text != "" {
			params.Set("caption", payload.Text)
		}
		return c.callMethod(ctx, "sendDocument", params)
	}

	return c.callMethod(ctx, "sendMessage", url.Values{
		"chat_id": {recipient},
		"text":    {payload.Text},
	})
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Channel) callMethod(ctx context.Context, method string, params url.Values) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level fault: transient.
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if body.OK {
		return nil
	}

	return classify(body)
}

// Descriptions Telegram uses for recipients the bot can never reach.
var permanentDescriptions = []string{
	"chat not found",
	"bot was blocked",
	"user is deactivated",
	"chat_write_forbidden",
}

func classify(body apiResponse) error {
	if body.ErrorCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if body.Parameters != nil && body.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(body.Parameters.RetryAfter) * time.Second
		}
		return &delivery.ThrottledError{RetryAfter: retryAfter}
	}

	if body.ErrorCode == http.StatusForbidden {
		return &delivery.PermanentError{Reason: body.Description}
	}
	if body.ErrorCode == http.StatusBadRequest {
		lower := strings.ToLower(body.Description)
		for _, desc := range permanentDescriptions {
			if strings.Contains(lower, desc) {
				return &delivery.PermanentError{Reason: body.Description}
			}
		}
	}

	return fmt.Errorf("telegram error %d: %s", body.ErrorCode, body.Description)
}
