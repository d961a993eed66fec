package ecpay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
)

const defaultTimeout = 15 * time.Second

// Client performs the server-to-server calls against the gateway. The
// transport retries once on connection errors only; a request that may have
// reached the gateway is never resent, its outcome is indeterminate and left
// for reconciliation.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log.Named("ecpay.client"),
	}
}

// PostForm sends a form-encoded request and parses the form-encoded reply.
func (c *Client) PostForm(ctx context.Context, path string, fields map[string]string) (map[string]string, error) {
	form := url.Values{}
	for key, value := range fields {
		form.Set(key, value)
	}
	body := form.Encode()
	endpoint := c.baseURL + path

	resp, err := c.send(ctx, endpoint, body)
	if err != nil {
		var netErr net.Error
		// Connection refused and DNS failures happen before the request is
		// written, so one immediate retry is safe.
		if errors.As(err, &netErr) && !netErr.Timeout() {
			resp, err = c.send(ctx, endpoint, body)
		}
	}
	if err != nil {
		c.log.Warn("gateway call failed", zap.String("path", path), zap.Error(err))
		return nil, gatewaydomain.ErrTransientGateway
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, gatewaydomain.ErrTransientGateway
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gatewaydomain.ErrMalformedResponse
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, gatewaydomain.ErrTransientGateway
	}
	return parseFormResponse(string(raw))
}

func (c *Client) send(ctx context.Context, endpoint, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.http.Do(req)
}

func parseFormResponse(raw string) (map[string]string, error) {
	values, err := url.ParseQuery(strings.TrimSpace(raw))
	if err != nil {
		return nil, gatewaydomain.ErrMalformedResponse
	}
	out := make(map[string]string, len(values))
	for key := range values {
		out[key] = values.Get(key)
	}
	if len(out) == 0 {
		return nil, gatewaydomain.ErrMalformedResponse
	}
	return out, nil
}
