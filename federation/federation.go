// Package federation talks to other personal data servers.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"pdserver/config"
	"pdserver/errs"
	"pdserver/metrics"
	"strings"
	"time"
)

const maxResponseSize = 4 << 20

// NormalizeHost drops the scheme and trailing slashes so hosts compare equal however they were written
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return strings.TrimRight(host, "/")
}

// Key identifies a user across hosts: local users are just "user", remote ones "user@host"
func Key(user, host, self string) string {
	h := NormalizeHost(host)
	if h == "" || h == NormalizeHost(self) {
		return user
	}
	return user + "@" + h
}

// SplitKey is the reverse of Key, host is empty for local users
func SplitKey(key string) (user, host string) {
	if i := strings.Index(key, "@"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// Client makes cross-host calls with a fixed timeout
type Client struct {
	HTTP *http.Client
	// Self is this host's public URL
	Self string
}

func NewClient() *Client {
	return &Client{
		HTTP: &http.Client{Timeout: time.Duration(config.FEDERATION_TIMEOUT_MS) * time.Millisecond},
		Self: config.PUBLIC_URL,
	}
}

func (c *Client) IsLocal(host string) bool {
	h := NormalizeHost(host)
	return h == "" || h == NormalizeHost(c.Self)
}

// Key builds the cross-host key of a user relative to this host
func (c *Client) Key(user, host string) string {
	return Key(user, host, c.Self)
}

// BaseURL adds https:// when the host was given without a scheme
func BaseURL(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

// PostJSON sends in as JSON and decodes the answer into out. Connection errors, timeouts,
// non-2xx answers and non-JSON bodies all come back as transport errors
func (c *Client) PostJSON(ctx context.Context, host, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, BaseURL(host)+path, bytes.NewReader(body))
	if err != nil {
		return errs.Transport(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

// GetJSON sends the params as a query string
func (c *Client) GetJSON(ctx context.Context, host, path string, params url.Values, out any) error {
	u := BaseURL(host) + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errs.Transport(err.Error())
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, endpoint string, out any) (err error) {
	defer func() {
		metrics.FederationCalls.WithLabelValues(endpoint, metrics.Result(err)).Inc()
	}()
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errs.Transport(fmt.Sprintf("%s: %v", req.URL.Host, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errs.Transport(fmt.Sprintf("%s: %v", req.URL.Host, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Other hosts answer errors as {"error": "..."} when they can
		var remote struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &remote) == nil && remote.Error != "" {
			return errs.Transport(fmt.Sprintf("%s: %s", req.URL.Host, remote.Error))
		}
		return errs.Transport(fmt.Sprintf("%s: status %d", req.URL.Host, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return errs.Transport(fmt.Sprintf("%s: invalid response", req.URL.Host))
	}
	return nil
}
