package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tonimelisma/rowsync/internal/sheet"
)

// Push retry constants. Only pushes retry: they carry an idempotency key.
// Fetches and probes fail fast and leave retry policy to the caller.
const (
	maxPushRetries = 3
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	// maxErrorBody caps how much of an error response is kept in Error.Message.
	maxErrorBody = 4096

	DefaultUserAgent = "rowsync/0.1"
)

// Endpoint actions understood by the sync server.
const (
	actionIncremental = "getIncremental"
	actionPing        = "ping"
	actionPush        = "pushChange"
)

// PushStatus is the server's verdict on a pushed change.
type PushStatus string

// Push outcomes.
const (
	PushSynced   PushStatus = "synced"
	PushConflict PushStatus = "conflict"
)

// PushResult is the decoded response to a pushed change.
type PushResult struct {
	Status      PushStatus `json:"status"`
	ServerValue any        `json:"serverValue,omitempty"`
	ServerRow   sheet.Row  `json:"serverRow,omitempty"`
	Version     string     `json:"version,omitempty"`
}

// pushRequest is the JSON body of a push.
type pushRequest struct {
	sheet.ChangeRecord
	BaseVersion string `json:"baseVersion,omitempty"`
}

// Client is an HTTP client for the sync endpoint.
type Client struct {
	endpoint   string
	clientID   string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger

	// sleepFunc is called to wait between push retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for endpoint, identifying itself as clientID.
func NewClient(endpoint, clientID string, httpClient *http.Client, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		endpoint:   endpoint,
		clientID:   clientID,
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// ClientID returns the identity sent with every request.
func (c *Client) ClientID() string {
	return c.clientID
}

// FetchIncremental asks for changes since version. An empty version requests
// a full snapshot. Exactly one request is made.
func (c *Client) FetchIncremental(ctx context.Context, version string) (*sheet.Envelope, error) {
	u, err := c.actionURL(actionIncremental, url.Values{"version": {version}})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env sheet.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("remote: decoding envelope: %w", err)
	}

	return &env, nil
}

// Probe issues a lightweight HEAD request. It reports true when the server
// signals that data may have changed (200) and false for 204 or 304.
func (c *Client) Probe(ctx context.Context, version string) (bool, error) {
	u, err := c.actionURL(actionPing, url.Values{"version": {version}})
	if err != nil {
		return false, err
	}

	req, err := c.newRequest(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("remote: probe: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNoContent, http.StatusNotModified:
		return false, nil
	default:
		sentinel := classifyStatus(resp.StatusCode)
		if sentinel == nil {
			sentinel = ErrUnexpectedStatus
		}

		return false, &Error{StatusCode: resp.StatusCode, Err: sentinel}
	}
}

// PushChange sends one local change. A 409 response carrying a decodable
// body is reported as a conflict result, not an error. Transient failures
// are retried with exponential backoff; the change id is sent as the
// Idempotency-Key so the server can discard duplicates.
func (c *Client) PushChange(ctx context.Context, rec sheet.ChangeRecord, baseVersion string) (*PushResult, error) {
	u, err := c.actionURL(actionPush, nil)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(pushRequest{ChangeRecord: rec, BaseVersion: baseVersion})
	if err != nil {
		return nil, fmt.Errorf("remote: encoding change %s: %w", rec.ID, err)
	}

	headers := http.Header{"Idempotency-Key": {rec.ID}}

	var attempt int
	for {
		result, err := c.pushOnce(ctx, u, body, headers)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("remote: push canceled: %w", ctx.Err())
		}

		if !c.shouldRetryPush(err) || attempt >= maxPushRetries {
			return nil, err
		}

		backoff := c.pushBackoff(err, attempt)
		c.logger.Warn("retrying change push",
			slog.String("change_id", rec.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if err := c.sleepFunc(ctx, backoff); err != nil {
			return nil, fmt.Errorf("remote: push canceled: %w", err)
		}

		attempt++
	}
}

func (c *Client) pushOnce(ctx context.Context, u string, body []byte, headers http.Header) (*PushResult, error) {
	resp, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(body), headers)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && re.StatusCode == http.StatusConflict {
			return decodeConflict(re.Message)
		}

		return nil, err
	}
	defer resp.Body.Close()

	var result PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding push result: %v", errMalformedResponse, err)
	}

	if result.Status != PushSynced && result.Status != PushConflict {
		return nil, fmt.Errorf("%w: unknown push status %q", errMalformedResponse, result.Status)
	}

	return &result, nil
}

func decodeConflict(body string) (*PushResult, error) {
	result := PushResult{Status: PushConflict}
	if body != "" {
		if err := json.Unmarshal([]byte(body), &result); err != nil {
			return nil, &Error{StatusCode: http.StatusConflict, Message: body, Err: ErrConflict}
		}

		result.Status = PushConflict
	}

	return &result, nil
}

// shouldRetryPush retries network errors and transient HTTP statuses.
func (c *Client) shouldRetryPush(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return isRetryable(re.StatusCode)
	}

	return !errors.Is(err, errInvalidRequest) && !errors.Is(err, errMalformedResponse)
}

// pushBackoff honors a server Retry-After hint on 429, otherwise falls back
// to exponential backoff.
func (c *Client) pushBackoff(err error, attempt int) time.Duration {
	var re *Error
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter
	}

	return c.calcBackoff(attempt)
}

var (
	errInvalidRequest    = errors.New("remote: invalid request")
	errMalformedResponse = errors.New("remote: malformed response")
)

func (c *Client) actionURL(action string, extra url.Values) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: parsing endpoint %q: %v", errInvalidRequest, c.endpoint, err)
	}

	q := u.Query()
	q.Set("action", action)
	q.Set("clientId", c.clientID)

	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// do executes one request. Non-2xx responses are read, closed, and returned
// as *Error. The caller closes the body on success.
func (c *Client) do(ctx context.Context, method, u string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, u, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, redact(u), err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	remoteErr := &Error{
		StatusCode: resp.StatusCode,
		Message:    string(bytes.TrimSpace(errBody)),
		Err:        classifyStatus(resp.StatusCode),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		remoteErr.RetryAfter, _ = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return nil, remoteErr
}

// redact strips the query string so client ids stay out of error chains.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid url)"
	}

	u.RawQuery = ""

	return u.String()
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// parseRetryAfter extracts a Retry-After delay in seconds from a header value.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}

	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0, false
	}

	return time.Duration(seconds) * time.Second, true
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
