// Package tasmota is a client for the HTTP command interface of smart plugs
// running Tasmota firmware.
//
// Commands are sent as GET /cm?cmnd=<command>, optionally with user and
// password query parameters, and answered with a JSON object. A plug with a
// web password set answers unauthenticated commands with a WARNING object.
package tasmota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/retry"
)

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 5 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 10

var (
	// ErrUnauthorized is returned when the plug rejects the credentials.
	ErrUnauthorized = errors.New("tasmota: unauthorized")

	// ErrUnexpectedResponse is returned for a reply that carries no
	// recognisable power field.
	ErrUnexpectedResponse = errors.New("tasmota: unexpected response")
)

// Client talks to one plug. Login must complete before other calls are made
// concurrently.
type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New returns a client for address, which is either host[:port] or a full
// http(s) URL.
func New(address string, opts ...Option) (*Client, error) {
	raw := address
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("tasmota: parsing address %q: %w", address, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("tasmota: address %q has no host", address)
	}

	c := &Client{
		base: base,
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handshake checks that the plug answers the command interface. Any
// well-formed JSON reply counts, including an authentication warning.
func (c *Client) Handshake(ctx context.Context) error {
	_, err := c.command(ctx, "Status", false)
	if errors.Is(err, ErrUnauthorized) {
		return nil
	}
	return err
}

// Login stores the credentials and verifies them with an authenticated
// power query. Rejected credentials are returned as a permanent error.
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.username, c.password = username, password

	reply, err := c.command(ctx, "Power", true)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return retry.Permanent(err)
		}
		return err
	}
	_, err = powerField(reply)
	return err
}

// IsOn reports whether the first relay is on.
func (c *Client) IsOn(ctx context.Context) (bool, error) {
	reply, err := c.command(ctx, "Power", true)
	if err != nil {
		return false, err
	}
	return powerField(reply)
}

// SetOn switches the first relay and checks the plug echoed the new state.
func (c *Client) SetOn(ctx context.Context, on bool) error {
	cmd := "Power Off"
	if on {
		cmd = "Power On"
	}

	reply, err := c.command(ctx, cmd, true)
	if err != nil {
		return err
	}
	got, err := powerField(reply)
	if err != nil {
		return err
	}
	if got != on {
		return fmt.Errorf("%w: plug reported %v after %q", ErrUnexpectedResponse, got, cmd)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) command(ctx context.Context, cmnd string, auth bool) (map[string]any, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/cm"
	q := url.Values{"cmnd": {cmnd}}
	if auth && c.username != "" {
		q.Set("user", c.username)
		q.Set("password", c.password)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tasmota: building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tasmota: %s: %w", cmnd, redact(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("tasmota: reading %s reply: %w", cmnd, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("tasmota: %s: HTTP %d", cmnd, resp.StatusCode)
	}

	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnexpectedResponse, cmnd, err)
	}
	if warning, ok := reply["WARNING"].(string); ok {
		if strings.Contains(strings.ToLower(warning), "password") {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("tasmota: %s: %s", cmnd, warning)
	}
	return reply, nil
}

// powerField extracts the first relay state from a reply.
func powerField(reply map[string]any) (bool, error) {
	for _, key := range []string{"POWER", "POWER1"} {
		v, ok := reply[key].(string)
		if !ok {
			continue
		}
		switch strings.ToUpper(v) {
		case "ON":
			return true, nil
		case "OFF":
			return false, nil
		}
		return false, fmt.Errorf("%w: %s=%q", ErrUnexpectedResponse, key, v)
	}
	return false, fmt.Errorf("%w: no POWER field", ErrUnexpectedResponse)
}

// redact strips the query string (which carries the password) from URL
// errors.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			uerr.URL = u.String()
		}
	}
	return err
}
