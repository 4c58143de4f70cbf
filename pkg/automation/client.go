package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"igoutreach/pkg/config"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/logger"
	"igoutreach/pkg/models"
	"igoutreach/pkg/retry"
)

// Mobile viewport sent with every session switch when emulation is on.
const (
	ViewportWidth  = 390
	ViewportHeight = 844
)

// BrowserHeader carries the driver browser a request runs in.
const BrowserHeader = "X-Browser-ID"

// Viewport is the emulated screen size
type Viewport struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Touch  bool `json:"touch"`
}

type sessionRequest struct {
	Cookies   []models.Cookie `json:"cookies"`
	UserAgent string          `json:"user_agent,omitempty"`
	Viewport  *Viewport       `json:"viewport,omitempty"`
	Headless  bool            `json:"headless"`
}

type activeResponse struct {
	Active bool `json:"active"`
}

type sendRequest struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

type cookiesResponse struct {
	Cookies []models.Cookie `json:"cookies"`
}

type followersResponse struct {
	FollowerCount int `json:"follower_count"`
}

type postResponse struct {
	Author string `json:"author"`
	HTML   string `json:"html"`
}

type dialogResponse struct {
	HTML string `json:"html"`
}

type scrollResponse struct {
	Scrolled bool `json:"scrolled"`
}

type browserResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Client drives one browser through the automation driver's HTTP API.
// The browser is created on first use and every later request is routed
// to it, so separate clients never share pages or cookies.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	baseURL    string
	logger     logger.Logger

	mu        sync.Mutex
	browserID string

	userAgents []string
	mobile     bool
	headless   bool
	readRetry  *retry.Config
}

var _ Adapter = (*Client)(nil)

// NewClient creates a driver client from the browser configuration
func NewClient(cfg config.BrowserConfig, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		headers: map[string]string{
			"Accept":       "application/json",
			"Content-Type": "application/json",
			"User-Agent":   "igoutreach/" + logger.Version,
		},
		baseURL:    strings.TrimRight(cfg.DriverURL, "/"),
		logger:     log.WithField("component", "automation"),
		userAgents: cfg.UserAgents,
		mobile:     cfg.Mobile,
		headless:   cfg.Headless,
		readRetry: &retry.Config{
			MaxAttempts: 3,
			Backoff:     retry.DefaultExponentialBackoff(),
			Logger:      log,
		},
	}
}

// SetHeader sets a custom header for the client
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// doRequest performs an HTTP request with the configured headers
func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	c.logger.DebugWithFields("sending driver request", map[string]interface{}{
		"method": req.Method,
		"path":   req.URL.Path,
	})

	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.ErrorWithFields("driver request failed", map[string]interface{}{
			"method":   req.Method,
			"path":     req.URL.Path,
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errs.Wrap(errs.ErrorTypeNetwork, err, "driver unreachable")
	}

	c.logger.DebugWithFields("driver request completed", map[string]interface{}{
		"method":   req.Method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": duration,
	})

	return resp, nil
}

// call sends body (if any) to path and decodes the JSON reply into target
func (c *Client) call(ctx context.Context, method, path string, body, target interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.ErrorTypeUnknown, err, "failed to encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeConfig, err, "failed to create request")
	}
	if !strings.HasPrefix(path, BrowsersEndpoint) {
		id, err := c.browser(ctx)
		if err != nil {
			return err
		}
		req.Header.Set(BrowserHeader, id)
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeNetwork, err, "failed to read response body")
	}

	if err := c.checkResponseStatus(resp, data); err != nil {
		return err
	}
	if target == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.ErrorWithFields("failed to parse driver response", map[string]interface{}{
			"path":         path,
			"status":       resp.StatusCode,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return errs.Wrap(errs.ErrorTypeTransient, err, "failed to parse driver response")
	}
	return nil
}

// callIdempotent retries reads that are safe to repeat
func (c *Client) callIdempotent(ctx context.Context, method, path string, body, target interface{}) error {
	cfg := *c.readRetry
	cfg.Context = ctx
	return retry.Do(func() error {
		return c.call(ctx, method, path, body, target)
	}, &cfg)
}

// checkResponseStatus maps driver status codes onto error types
func (c *Client) checkResponseStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var payload errorResponse
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = fmt.Sprintf("driver returned status %d", resp.StatusCode)
	}

	fields := map[string]interface{}{
		"status": resp.StatusCode,
		"path":   resp.Request.URL.Path,
		"reason": payload.Reason,
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity && payload.Reason != "":
		c.logger.WarnWithFields("action rejected", fields)
		return errs.Structural(payload.Reason)
	case resp.StatusCode == http.StatusUnauthorized:
		c.logger.WarnWithFields("session not logged in", fields)
		e := errs.New(errs.ErrorTypeSession, msg)
		e.Reason = models.ReasonSessionExpired
		return e
	case resp.StatusCode == http.StatusNotFound:
		c.logger.WarnWithFields("resource not found", fields)
		return errs.New(errs.ErrorTypeNotFound, msg)
	case errs.IsRetryableStatusCode(resp.StatusCode):
		c.logger.ErrorWithFields("driver error", fields)
		return errs.Transient(errs.New(errs.ErrorTypeNetwork, msg))
	default:
		c.logger.ErrorWithFields("unexpected driver error", fields)
		return errs.New(errs.ErrorTypeUnknown, msg)
	}
}

// browser returns this client's driver browser, creating it if needed
func (c *Client) browser(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserID != "" {
		return c.browserID, nil
	}

	var resp browserResponse
	if err := c.call(ctx, http.MethodPost, BrowsersEndpoint, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errs.Transient(errs.New(errs.ErrorTypeNetwork, "driver returned no browser id"))
	}
	c.browserID = resp.ID
	c.logger.WithField("browser", resp.ID).Debug("browser opened")
	return c.browserID, nil
}

// Open creates the driver browser up front so setup failures surface
// before any work is taken.
func (c *Client) Open(ctx context.Context) error {
	_, err := c.browser(ctx)
	return err
}

// BrowserID is the driver browser this client owns, or "" before Open
func (c *Client) BrowserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browserID
}

func (c *Client) pickUserAgent() string {
	if len(c.userAgents) == 0 {
		return ""
	}
	return c.userAgents[rand.Intn(len(c.userAgents))]
}

// Send opens a thread with target and sends message
func (c *Client) Send(ctx context.Context, target models.Handle, message string) (SendResult, error) {
	err := c.call(ctx, http.MethodPost, SendEndpoint, sendRequest{Target: target.String(), Message: message}, nil)
	if err != nil {
		if errs.TypeOf(err) == errs.ErrorTypeStructural {
			return SendResult{Reason: errs.ReasonOf(err)}, err
		}
		return SendResult{}, err
	}
	return SendResult{}, nil
}

// UseSession installs cookies with the configured emulation
func (c *Client) UseSession(ctx context.Context, cookies []models.Cookie) (bool, error) {
	req := sessionRequest{Cookies: cookies, Headless: c.headless}
	if c.mobile {
		req.UserAgent = c.pickUserAgent()
		req.Viewport = &Viewport{Width: ViewportWidth, Height: ViewportHeight, Touch: true}
	}

	var resp activeResponse
	if err := c.call(ctx, http.MethodPost, SessionEndpoint, req, &resp); err != nil {
		if errs.TypeOf(err) == errs.ErrorTypeSession {
			return false, nil
		}
		return false, err
	}
	return resp.Active, nil
}

// Login exchanges credentials for cookies
func (c *Client) Login(ctx context.Context, creds Credentials) ([]models.Cookie, error) {
	var resp cookiesResponse
	if err := c.call(ctx, http.MethodPost, LoginEndpoint, creds, &resp); err != nil {
		return nil, err
	}
	if len(resp.Cookies) == 0 {
		return nil, errs.New(errs.ErrorTypeSession, "login returned no cookies")
	}
	return resp.Cookies, nil
}

// CheckSession reports whether the browser is still logged in
func (c *Client) CheckSession(ctx context.Context) (bool, error) {
	var resp activeResponse
	if err := c.callIdempotent(ctx, http.MethodGet, CheckEndpoint, nil, &resp); err != nil {
		if errs.TypeOf(err) == errs.ErrorTypeSession {
			return false, nil
		}
		return false, err
	}
	return resp.Active, nil
}

// WarmUp browses the feed briefly
func (c *Client) WarmUp(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, WarmUpEndpoint, struct{}{}, nil)
}

// OpenFollowers opens target's followers dialog
func (c *Client) OpenFollowers(ctx context.Context, target models.Handle) (int, error) {
	var resp followersResponse
	err := c.call(ctx, http.MethodPost, FollowersEndpoint, map[string]string{"target": target.String()}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.FollowerCount, nil
}

// OpenPost opens a post; the author comes from the driver or, failing
// that, from the post header markup.
func (c *Client) OpenPost(ctx context.Context, url string) (models.Handle, error) {
	var resp postResponse
	if err := c.call(ctx, http.MethodPost, PostEndpoint, map[string]string{"url": url}, &resp); err != nil {
		return "", err
	}
	if author := models.Normalize(resp.Author); author != "" {
		return author, nil
	}
	return ExtractAuthor(resp.HTML), nil
}

// ExtractBatch parses the handles visible in the open dialog
func (c *Client) ExtractBatch(ctx context.Context) ([]models.Handle, error) {
	var resp dialogResponse
	if err := c.callIdempotent(ctx, http.MethodGet, DialogEndpoint, nil, &resp); err != nil {
		return nil, err
	}
	handles, err := ExtractHandles(resp.HTML)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeTransient, err, "failed to parse dialog")
	}
	return handles, nil
}

// Scroll advances the dialog
func (c *Client) Scroll(ctx context.Context) (bool, error) {
	var resp scrollResponse
	if err := c.call(ctx, http.MethodPost, ScrollEndpoint, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Scrolled, nil
}

// Close releases the driver browser. A client that never opened one has
// nothing to release.
func (c *Client) Close() error {
	c.mu.Lock()
	id := c.browserID
	c.browserID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.call(ctx, http.MethodDelete, BrowsersEndpoint+"/"+url.PathEscape(id), nil, nil)
}
