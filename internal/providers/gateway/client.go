// Package gateway is the HTTP client for the messaging gateway that hosts the
// paired endpoints (instances).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"blast/internal/transport"
	"blast/internal/util"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// MaxAttempts bounds retries of transient failures. Zero means 3.
	MaxAttempts int
	// Sleep waits between attempts; nil means util.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (c *Client) Send(ctx context.Context, endpointID, to string, p transport.Payload) (transport.Receipt, error) {
	kind := "text"
	if p.Kind != "" && p.Kind != transport.PayloadText {
		kind = "media"
	}
	return c.post(ctx, endpointID, kind, false, map[string]any{"to": to, "payload": p})
}

func (c *Client) SendButtons(ctx context.Context, endpointID, to string, m transport.ButtonsMessage) (transport.Receipt, error) {
	return c.post(ctx, endpointID, "buttons", true, map[string]any{"to": to, "message": m})
}

func (c *Client) SendList(ctx context.Context, endpointID, to string, m transport.ListMessage) (transport.Receipt, error) {
	return c.post(ctx, endpointID, "list", true, map[string]any{"to": to, "message": m})
}

func (c *Client) SendPoll(ctx context.Context, endpointID, to string, m transport.PollMessage) (transport.Receipt, error) {
	return c.post(ctx, endpointID, "poll", true, map[string]any{"to": to, "message": m})
}

func (c *Client) SendCarousel(ctx context.Context, endpointID, to string, m transport.CarouselMessage) (transport.Receipt, error) {
	return c.post(ctx, endpointID, "carousel", true, map[string]any{"to": to, "message": m})
}

// Status asks the gateway for the live connectivity of an endpoint.
func (c *Client) Status(ctx context.Context, endpointID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpointID, "status"), nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)
	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &transport.Error{EndpointID: endpointID, HTTPStatus: resp.StatusCode, Body: b, Err: errors.New("status lookup failed")}
	}
	var out statusResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return out.Status, nil
}

func (c *Client) post(ctx context.Context, endpointID, kind string, rich bool, body any) (transport.Receipt, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return transport.Receipt{}, err
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, Backoff(attempt-1)); err != nil {
				return transport.Receipt{}, err
			}
		}
		rec, status, err := c.postOnce(ctx, endpointID, kind, rich, raw)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !ShouldRetry(err, status) {
			break
		}
	}
	return transport.Receipt{}, lastErr
}

func (c *Client) postOnce(ctx context.Context, endpointID, kind string, rich bool, raw []byte) (transport.Receipt, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpointID, "messages/"+kind), bytes.NewReader(raw))
	if err != nil {
		return transport.Receipt{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client().Do(req)
	if err != nil {
		return transport.Receipt{}, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out sendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return transport.Receipt{MessageID: out.MessageID, EndpointID: endpointID}, resp.StatusCode, nil
	}
	return transport.Receipt{}, resp.StatusCode, &transport.Error{
		EndpointID: endpointID,
		HTTPStatus: resp.StatusCode,
		Body:       b,
		Err:        classify(resp.StatusCode, rich, out.Error),
	}
}

func classify(status int, rich bool, msg string) error {
	switch {
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return transport.ErrNotConnected
	case rich && (status == http.StatusNotFound || status == http.StatusNotImplemented):
		return transport.ErrUnsupported
	case msg != "":
		return errors.New(msg)
	}
	return errors.New("gateway send failed")
}

func (c *Client) url(endpointID, suffix string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/v1/instances/" + url.PathEscape(endpointID) + "/" + suffix
}

func (c *Client) authorize(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return util.Sleep(ctx, d)
}

// ShouldRetry reports whether a failed call is worth repeating. Endpoint
// state errors are never retried; the next recipient will try again anyway.
func ShouldRetry(err error, httpStatus int) bool {
	if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrUnsupported) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if httpStatus == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		return errors.As(err, &ne) && ne.Timeout()
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599 && httpStatus != http.StatusNotImplemented
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
