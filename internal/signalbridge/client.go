package signalbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/comtower/signal-turn-bot/pkg/bridgedto"
)

// Client talks to a signal-cli REST bridge.
type Client struct {
	baseURL string
	number  string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// NewClient builds a bridge client. number is the bot's own Signal number.
func NewClient(baseURL, number string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		number:         strings.TrimSpace(number),
		http:           &fasthttp.Client{ReadTimeout: 35 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 30 * time.Second,
		retryMax:       1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Number returns the configured sender number.
func (c *Client) Number() string { return c.number }

// Send posts one message. The request is executed once; dispatch-level retry
// policy (timeout retry, alternate group encoding) lives in the caller.
func (c *Client) Send(ctx context.Context, req *bridgedto.SendRequest) (*bridgedto.SendResponse, error) {
	if req == nil {
		return nil, errors.New("nil send request")
	}
	if req.Number == "" {
		req.Number = c.number
	}
	var resp bridgedto.SendResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v2/send", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListGroups returns the groups the bot account is a member of.
func (c *Client) ListGroups(ctx context.Context) ([]bridgedto.Group, error) {
	var groups []bridgedto.Group
	path := "/v1/groups/" + c.number
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &groups, true); err != nil {
		return nil, err
	}
	return groups, nil
}

// About probes the bridge. Used by the status server and bridgecheck.
func (c *Client) About(ctx context.Context) (*bridgedto.About, error) {
	var about bridgedto.About
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/v1/about", nil, &about, false); err != nil {
		return nil, err
	}
	return &about, nil
}

// ResolveGroupID matches an invite-link fragment or a group name against the
// bridge's group list and returns the canonical group id.
func (c *Client) ResolveGroupID(ctx context.Context, fragment, name string) (*bridgedto.Group, error) {
	groups, err := c.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	fragment = strings.TrimSpace(fragment)
	name = strings.TrimSpace(name)
	for i := range groups {
		g := &groups[i]
		if name != "" && g.Name == name {
			return g, nil
		}
		if fragment == "" {
			continue
		}
		if g.InternalID == fragment || g.ID == fragment || g.ID == "group."+fragment {
			return g, nil
		}
	}
	return nil, fmt.Errorf("group not found (fragment=%q name=%q)", fragment, name)
}

// IsTimeout reports whether a send failed on the wire deadline, as opposed to
// a bridge-side rejection. Timed-out sends are the only retryable kind.
func IsTimeout(err error) bool {
	return errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// AltGroupID returns the other known encoding of a group id: ids are accepted
// both with and without the "group." prefix depending on bridge version.
func AltGroupID(id string) string {
	if strings.HasPrefix(id, "group.") {
		return strings.TrimPrefix(id, "group.")
	}
	return "group." + id
}

// InviteFragment extracts the base64 part of a signal.group invite link.
// Plain fragments and "group."-prefixed ids pass through unchanged.
func InviteFragment(link string) string {
	s := strings.TrimSpace(link)
	if i := strings.Index(s, "signal.group/#"); i >= 0 {
		return s[i+len("signal.group/#"):]
	}
	return strings.TrimPrefix(s, "group.")
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry {
		attempts = c.retryMax + 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts {
				return fmt.Errorf("bridge request failed: %w", err)
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			err := bridgeError(status, resp.Body())
			if attempt == attempts || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown bridge error")
	}
	return lastErr
}

func bridgeError(status int, body []byte) error {
	var e bridgedto.ErrorResponse
	if json.Unmarshal(body, &e) == nil && strings.TrimSpace(e.Error) != "" {
		return fmt.Errorf("bridge error: status=%d %s", status, truncate(e.Error, 256))
	}
	return fmt.Errorf("bridge error: status=%d body=%s", status, truncate(string(body), 256))
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
