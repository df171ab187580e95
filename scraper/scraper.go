// Package scraper drives the SMS portal over HTTP: login, session checks,
// navigation to the received-messages page, and row extraction.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/publicsuffix"

	"otp-notifier/pkg/otp"
	"otp-notifier/session"
)

// DefaultBaseURL is the portal origin.
const DefaultBaseURL = "https://www.ivasms.com"

const (
	loginPath     = "/login"
	dashboardPath = "/portal"
	feedPath      = "/portal/sms/received"
	maxPageBytes  = 8 << 20
)

// LoginRequiredError indicates the portal redirected to its login page.
type LoginRequiredError struct {
	URL string
}

func (e *LoginRequiredError) Error() string {
	return fmt.Sprintf("login required: %s", e.URL)
}

// IsLoginRequiredError checks if an error means the session is gone.
func IsLoginRequiredError(err error) bool {
	var loginErr *LoginRequiredError
	return errors.As(err, &loginErr)
}

// statusError is a non-2xx HTTP response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

// retryable reports whether another attempt could succeed.
func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// Config configures a portal client.
type Config struct {
	Logger        *slog.Logger
	BaseURL       string
	StateDir      string // Cookie state directory; empty disables persistence
	SnapshotDir   string
	Timeout       time.Duration
	SaveSnapshots bool
}

// Client is one portal session. It implements session.Provider.
type Client struct {
	client        *http.Client
	logger        *slog.Logger
	base          *url.URL
	stateDir      string
	snapshotDir   string
	feedURL       string
	saveSnapshots bool
}

var _ session.Provider = (*Client)(nil)

// New creates a client with a fresh cookie jar, restoring saved cookies if
// a state file exists.
func New(cfg *Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		client:        &http.Client{Jar: jar, Timeout: timeout},
		logger:        cfg.Logger,
		base:          base,
		stateDir:      cfg.StateDir,
		snapshotDir:   cfg.SnapshotDir,
		saveSnapshots: cfg.SaveSnapshots,
	}
	if err := c.restoreState(); err != nil {
		c.logger.Warn("Failed to restore session state, starting fresh", "error", err)
	}
	return c, nil
}

// Factory returns a session.Factory building clients from cfg.
func Factory(cfg *Config) session.Factory {
	return func(context.Context) (session.Provider, error) {
		return New(cfg)
	}
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.base.String() + path
	}
	return c.base.ResolveReference(ref).String()
}

// page is a fetched and parsed HTML document.
type page struct {
	doc *goquery.Document
	url *url.URL // Final URL after redirects
	raw []byte
}

func (p *page) onLoginPage() bool {
	return strings.HasSuffix(strings.TrimRight(p.url.Path, "/"), loginPath)
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

// do sends one request and parses the body. Non-2xx responses are errors.
func (c *Client) do(req *http.Request, purpose string) (*page, error) {
	setBrowserHeaders(req)

	c.logger.Debug("HTTP request starting", "method", req.Method, "url", req.URL.String(), "purpose", purpose)
	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed", "url", req.URL.String(), "duration_ms", duration.Milliseconds(), "error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"url", resp.Request.URL.String(),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
	}
	return &page{doc: doc, url: resp.Request.URL, raw: raw}, nil
}

// get fetches a page, retrying transient failures.
func (c *Client) get(ctx context.Context, pageURL, purpose string) (*page, error) {
	var p *page
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			p, err = c.do(req, purpose)
			var se *statusError
			if errors.As(err, &se) && !se.retryable() {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", purpose, err)
	}
	return p, nil
}

// Login signs in with creds. It first checks whether restored cookies
// already grant access to the dashboard.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (bool, string) {
	if c.ValidateSession(ctx) {
		c.logger.Info("Already logged in from saved session")
		return true, "Already logged in"
	}

	loginPage, err := c.get(ctx, c.resolve(loginPath), "login_page")
	if err != nil {
		return false, "Login error: " + err.Error()
	}
	if !loginPage.onLoginPage() && isDashboard(loginPage.doc) {
		return true, "Already logged in"
	}

	form, ok := parseLoginForm(loginPage.doc)
	if !ok {
		c.snapshot("login_form_missing", loginPage.raw)
		return false, "Login error: login form not found"
	}
	form.values.Set(form.emailField, creds.Email)
	form.values.Set(form.passwordField, creds.Password)

	action := loginPage.url.String()
	if form.action != "" {
		if ref, err := url.Parse(form.action); err == nil {
			action = loginPage.url.ResolveReference(ref).String()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(form.values.Encode()))
	if err != nil {
		return false, "Login error: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginPage.url.String())

	// Form posts are not retried; the session layer owns login retries.
	result, err := c.do(req, "login_submit")
	if err != nil {
		return false, "Login error: " + err.Error()
	}

	if !result.onLoginPage() && isDashboard(result.doc) {
		c.logger.Info("Login successful, dashboard detected")
		if err := c.saveState(); err != nil {
			c.logger.Warn("Failed to save session state", "error", err)
		}
		return true, "Login successful"
	}

	msg := "Login failed - unknown error"
	if text := loginErrorMessage(result.doc); text != "" {
		msg = "Login failed: " + text
	}
	c.logger.Error("Login verification failed", "message", msg, "url", result.url.String())
	c.snapshot("login_failed", result.raw)
	return false, msg
}

// ValidateSession reports whether the dashboard is reachable without login.
func (c *Client) ValidateSession(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(dashboardPath), http.NoBody)
	if err != nil {
		return false
	}
	p, err := c.do(req, "validate_session")
	if err != nil {
		c.logger.Debug("Session validation request failed", "error", err)
		return false
	}
	return !p.onLoginPage() && isDashboard(p.doc)
}

// NavigateToFeed locates the received-messages page, first directly and
// then through the dashboard menu.
func (c *Client) NavigateToFeed(ctx context.Context) (bool, string) {
	direct := c.resolve(feedPath)
	p, err := c.get(ctx, direct, "sms_received")
	if err == nil && !p.onLoginPage() && hasTable(p.doc) {
		c.feedURL = p.url.String()
		c.logger.Info("Navigated to SMS received page", "url", c.feedURL)
		return true, "Navigated to SMS received page"
	}
	if err != nil {
		c.logger.Warn("Direct navigation failed, trying dashboard menu", "error", err)
	}

	dash, err := c.get(ctx, c.resolve(dashboardPath), "dashboard")
	if err != nil {
		return false, "Navigation failed: " + err.Error()
	}
	if dash.onLoginPage() {
		return false, "Navigation failed: session expired"
	}

	href, ok := feedLink(dash.doc)
	if !ok {
		c.snapshot("navigation_failed", dash.raw)
		return false, "Navigation failed: SMS statistics link not found"
	}
	ref, err := url.Parse(href)
	if err != nil {
		return false, "Navigation failed: " + err.Error()
	}
	target := dash.url.ResolveReference(ref).String()

	p, err = c.get(ctx, target, "sms_received_menu")
	if err != nil {
		return false, "Navigation failed: " + err.Error()
	}
	if p.onLoginPage() || !hasTable(p.doc) {
		c.snapshot("navigation_failed", p.raw)
		return false, "Navigation failed: SMS table not found"
	}

	c.feedURL = p.url.String()
	c.logger.Info("Navigated to SMS received page via menu", "url", c.feedURL)
	return true, "Navigated to SMS received page via menu"
}

// FetchEntries reads the received-messages table.
func (c *Client) FetchEntries(ctx context.Context) ([]otp.Entry, error) {
	target := c.feedURL
	if target == "" {
		target = c.resolve(feedPath)
	}

	p, err := c.get(ctx, target, "fetch_entries")
	if err != nil {
		return nil, err
	}
	if p.onLoginPage() {
		c.feedURL = ""
		return nil, &LoginRequiredError{URL: target}
	}
	if !hasTable(p.doc) {
		c.snapshot("fetch_failed", p.raw)
		return nil, errors.New("sms table not found")
	}

	entries := parseEntries(p.doc)
	c.logger.Info("Extracted OTP entries", "count", len(entries))
	return entries, nil
}

// Close releases idle connections. Cookies are persisted only after a
// successful login, so a failed session never overwrites good state.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
