// Package portal drives one authenticated session against the appointment
// booking site: login, facility list, open days and times, booking.
//
// A Client is owned by exactly one job at a time. Every network call goes
// through a retry.Policy and a per-request timeout.
package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/appt-scheduler/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"
	maxBodyBytes     = 10 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL of the booking site, e.g. "https://booking.example.org".
	BaseURL string
	// Locale is the country segment of every path, e.g. "en-ca".
	Locale     string
	ScheduleID string
	// Root is the path prefix after the locale. Default: "niv".
	Root string

	Timeout    time.Duration // per request. Default: 20s.
	MaxRetries int           // attempts per request. Default: 3.
	UserAgent  string

	Logger *logrus.Entry
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = retry.DefaultMaxRetries
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Root == "" {
		c.Root = "niv"
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Paths are the site-relative endpoints of one schedule.
type Paths struct {
	SignIn      string
	Account     string
	Appointment string
}

func (c Config) paths() Paths {
	root := "/" + strings.Trim(c.Locale, "/") + "/" + strings.Trim(c.Root, "/")
	return Paths{
		SignIn:      root + "/users/sign_in",
		Account:     root + "/account",
		Appointment: root + "/schedule/" + url.PathEscape(c.ScheduleID) + "/appointment",
	}
}

// Response is a fully read HTTP response. URL is the final URL after redirects.
type Response struct {
	Status int
	URL    *url.URL
	Body   []byte
}

// Session is the snapshot of the authenticated state.
type Session struct {
	Token           string
	AuthenticatedAt time.Time
}

// Client owns one session: a cookie jar, the anti-forgery token and the
// authenticated-since marker.
type Client struct {
	cfg    Config
	base   *url.URL
	paths  Paths
	hc     *http.Client
	policy retry.Policy
	log    *logrus.Entry

	mu      sync.Mutex
	session Session
}

// New creates a Client over rt. A nil rt uses http.DefaultTransport.
func New(cfg Config, rt http.RoundTripper) (*Client, error) {
	cfg.defaults()
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("portal: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Locale == "" || cfg.ScheduleID == "" {
		return nil, fmt.Errorf("portal: locale and schedule id required")
	}
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := &Client{
		cfg:   cfg,
		base:  base,
		paths: cfg.paths(),
		hc: &http.Client{
			Transport: rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		log: cfg.Logger,
	}
	c.policy = retry.Policy{
		MaxRetries: cfg.MaxRetries,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			c.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait.Round(time.Millisecond).String(),
				"socket":  retry.IsSocket(err),
			}).Warn("portal: request failed, backing off")
		},
	}
	c.ResetSession()
	return c, nil
}

// SetRetryPolicy replaces the retry policy (tests use it to skip sleeps).
func (c *Client) SetRetryPolicy(p retry.Policy) { c.policy = p }

// Paths returns the endpoints this client talks to.
func (c *Client) Paths() Paths { return c.paths }

// ResetSession discards cookies, token and the authenticated marker.
func (c *Client) ResetSession() {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	c.mu.Lock()
	c.hc.Jar = jar
	c.session = Session{}
	c.mu.Unlock()
}

// Session returns a copy of the current session state.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Token
}

func (c *Client) setToken(tok string) {
	if tok == "" {
		return
	}
	c.mu.Lock()
	c.session.Token = tok
	c.mu.Unlock()
}

func (c *Client) markAuthenticated() {
	c.mu.Lock()
	c.session.AuthenticatedAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) abs(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// Request performs one logical request: retried per the policy, each attempt
// bounded by the configured timeout. Any status is a successful Request; the
// caller classifies it.
func (c *Client) Request(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	target := c.abs(path)
	var out *Response
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(rctx, method, target, rd)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		for k, vs := range header {
			req.Header[k] = vs
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		out = &Response{Status: resp.StatusCode, URL: resp.Request.URL, Body: b}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("portal: %s %s: %w", method, path, err)
	}
	c.log.WithFields(logrus.Fields{"method": method, "path": path, "status": out.Status}).Debug("portal: response")
	return out, nil
}

func (c *Client) htmlHeader() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return h
}

func (c *Client) xhrHeader(accept string) http.Header {
	h := http.Header{}
	h.Set("Accept", accept)
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", c.abs(c.paths.Appointment))
	if tok := c.token(); tok != "" {
		h.Set("X-CSRF-Token", tok)
	}
	return h
}

func (c *Client) formHeader(referer string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	h.Set("Origin", c.base.String())
	h.Set("Referer", c.abs(referer))
	return h
}

// isSignInPath reports whether p points at the sign-in page.
func isSignInPath(p string) bool {
	return strings.Contains(p, "/users/sign_in")
}

var signInMarkers = []string{
	"/users/sign_in",
	"You need to sign in or sign up before continuing",
}

func hasSignInMarker(body []byte) bool {
	for _, m := range signInMarkers {
		if bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}
