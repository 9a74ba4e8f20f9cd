// Package acnode is the client side of the node protocol, as run on the
// controller attached to a tool.
package acnode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/londonhackspace/acserver/internal/acl"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

const keyHeader = "X-AC-Key"

var (
	// ErrConfig is returned by New for settings that can never work.
	ErrConfig = errors.New("acnode: invalid configuration")
	// ErrResponse wraps non-2xx statuses and unparsable bodies.
	ErrResponse = errors.New("acnode: bad response")
)

// Client talks to one acserver on behalf of one node.
type Client struct {
	base   *url.URL
	nodeID int64
	secret string
	http   *http.Client
	log    *zap.Logger
}

// Option configures Client.
type Option func(*Client)

// WithSecret sends secret with every request.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient uses a copy of h. Its Timeout is kept if set; h itself is
// never modified.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h == nil {
			return
		}
		hc := *h
		if hc.Timeout == 0 {
			hc.Timeout = c.http.Timeout
		}
		c.http = &hc
	}
}

// WithLogger logs every exchange at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New builds a client for node against the server at baseURL.
func New(baseURL string, node int64, opts ...Option) (*Client, error) {
	if node <= 0 {
		return nil, fmt.Errorf("%w: node id %d", ErrConfig, node)
	}
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: server url %q", ErrConfig, baseURL)
	}
	c := &Client{
		base:   u,
		nodeID: node,
		http:   &http.Client{Timeout: DefaultTimeout},
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// QueryCard asks whether card may use the tool. Any failure resolves to
// acl.Unknown with the cause in err.
func (c *Client) QueryCard(ctx context.Context, card Card) (acl.Decision, error) {
	v, err := c.call(ctx, http.MethodGet, "card/"+card.String())
	if err != nil {
		return acl.Unknown, err
	}
	switch v {
	case 0:
		return acl.Denied, nil
	case 1:
		return acl.GrantedUser, nil
	case 2:
		return acl.GrantedMaintainer, nil
	default:
		return acl.Unknown, nil
	}
}

// NetworkCheckToolStatus fetches the tool's in-service flag.
func (c *Client) NetworkCheckToolStatus(ctx context.Context) (acl.ToolStatus, error) {
	v, err := c.call(ctx, http.MethodGet, "status/")
	if err != nil {
		return acl.Offline, err
	}
	st, err := acl.ParseToolStatus(v)
	if err != nil {
		return acl.Offline, fmt.Errorf("%w: status %d", ErrResponse, v)
	}
	return st, nil
}

// SetToolStatus takes the tool in or out of service on behalf of card.
func (c *Client) SetToolStatus(ctx context.Context, status acl.ToolStatus, card Card) (acl.Outcome, error) {
	return c.outcome(ctx, fmt.Sprintf("status/%d/by/%s", int(status), card))
}

// AddNewUser grants user access on behalf of maintainer.
func (c *Client) AddNewUser(ctx context.Context, user, maintainer Card) (acl.Outcome, error) {
	return c.outcome(ctx, fmt.Sprintf("grant-to-card/%s/by-card/%s", user, maintainer))
}

// ReportToolUse reports card starting or stopping the tool.
func (c *Client) ReportToolUse(ctx context.Context, card Card, report acl.UsageReport) (acl.Outcome, error) {
	return c.outcome(ctx, fmt.Sprintf("tooluse/%d/%s", int(report), card))
}

// ToolUseTime reports a finished session of the given length.
func (c *Client) ToolUseTime(ctx context.Context, card Card, d time.Duration) (acl.Outcome, error) {
	if d < 0 || d > acl.MaxToolUse {
		return acl.Refused, fmt.Errorf("%w: %s", acl.ErrInvalidDuration, d)
	}
	return c.outcome(ctx, fmt.Sprintf("tooluse/time/for/%s/%d", card, int64(d/time.Second)))
}

// IsToolInUse asks whether any card has the tool running.
func (c *Client) IsToolInUse(ctx context.Context) (bool, error) {
	body, err := c.do(ctx, http.MethodGet, "is_tool_in_use")
	if err != nil {
		return false, err
	}
	switch lastLine(body) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrResponse, body)
}

func (c *Client) outcome(ctx context.Context, path string) (acl.Outcome, error) {
	v, err := c.call(ctx, http.MethodPost, path)
	if err != nil {
		return acl.Refused, err
	}
	switch v {
	case 0:
		return acl.Refused, nil
	case 1:
		return acl.OK, nil
	}
	return acl.Refused, fmt.Errorf("%w: outcome %d", ErrResponse, v)
}

// call performs a request whose answer is an integer on the last line.
func (c *Client) call(ctx context.Context, method, path string) (int, error) {
	body, err := c.do(ctx, method, path)
	if err != nil {
		return -1, err
	}
	v, err := strconv.Atoi(lastLine(body))
	if err != nil {
		return -1, fmt.Errorf("%w: %q", ErrResponse, body)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string) (string, error) {
	u := c.base.JoinPath(strconv.FormatInt(c.nodeID, 10), path)
	if strings.HasSuffix(path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return "", err
	}
	if c.secret != "" {
		req.Header.Set(keyHeader, c.secret)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("acserver request failed", zap.String("method", method), zap.String("url", u.String()), zap.Error(err))
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	c.log.Debug("acserver request",
		zap.String("method", method),
		zap.String("url", u.String()),
		zap.Int("status", resp.StatusCode),
		zap.ByteString("body", raw),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: HTTP %d", ErrResponse, resp.StatusCode)
	}
	return string(raw), nil
}

func lastLine(body string) string {
	var last string
	sc := bufio.NewScanner(bytes.NewBufferString(body))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return last
}
