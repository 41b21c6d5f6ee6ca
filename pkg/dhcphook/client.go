package dhcphook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client posts lease events to the hook endpoint. It is what dhcpd's
// execute() statements run.
type Client struct {
	http    *resty.Client
	baseURL string
}

// NewClient creates a client for the hook at baseURL. A non-empty token is
// sent as a bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		httpClient.SetAuthToken(token)
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Post sends one event ("commit", "expiry" or "release") and returns the
// hook's diagnostic, empty on success.
func (c *Client) Post(ctx context.Context, op string, req Request) (string, error) {
	switch op {
	case "commit", "expiry", "release":
	default:
		return "", fmt.Errorf("unknown hook operation %q", op)
	}

	var out messageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(c.baseURL + "/dhcp/" + op)
	if err != nil {
		return "", fmt.Errorf("hook %s: %w", op, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("hook %s: HTTP %d: %s", op, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.Message == nil {
		return "", nil
	}
	return *out.Message, nil
}
