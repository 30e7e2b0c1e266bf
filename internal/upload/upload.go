// Package upload sends captured clips and admin media to the storage endpoint.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pavelanni/speakexam/internal/retry"
)

// DefaultTimeout bounds one attempt; large video needs the full two minutes.
const DefaultTimeout = 2 * time.Minute

var (
	// ErrAborted means the upload was superseded or cancelled. Callers should
	// not report it to the user.
	ErrAborted = errors.New("upload aborted")
	// ErrNetwork wraps connection-level failures.
	ErrNetwork = errors.New("upload network error")
	// ErrTimeout means an attempt exceeded its deadline.
	ErrTimeout = errors.New("upload timed out")
	// ErrMalformedResponse means the server answered 2xx without a usable URL.
	ErrMalformedResponse = errors.New("malformed upload response")
)

// ValidationError is a server-side rejection of the file's type or size.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("upload rejected (%d): %s", e.Status, e.Message)
}

// ServerError is any other non-success response.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("upload failed (%d): %s", e.Status, e.Message)
}

// Result is the stored object's description returned by the server.
type Result struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
}

// Transient reports whether err is worth another attempt.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformedResponse)
}

type slotOp struct {
	id     uint64
	cancel context.CancelFunc
}

// Client uploads one object per slot at a time.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	policy   retry.Policy
	logger   *slog.Logger

	mu    sync.Mutex
	seq   uint64
	slots map[string]slotOp
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithPolicy replaces the retry policy. Its Retryable is always Transient.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a Client posting multipart uploads to endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     http.DefaultClient,
		timeout:  DefaultTimeout,
		policy:   retry.Default("upload", Transient),
		logger:   slog.Default(),
		slots:    make(map[string]slotOp),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Retryable = Transient
	if c.policy.Name == "" {
		c.policy.Name = "upload"
	}
	if c.policy.Logger == nil {
		c.policy.Logger = c.logger
	}
	return c
}

// begin registers a new operation for slot, cancelling any prior one.
func (c *Client) begin(ctx context.Context, slot string) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prev, ok := c.slots[slot]; ok {
		prev.cancel()
	}
	c.seq++
	id := c.seq
	c.slots[slot] = slotOp{id: id, cancel: cancel}
	c.mu.Unlock()

	return opCtx, func() {
		c.mu.Lock()
		if cur, ok := c.slots[slot]; ok && cur.id == id {
			delete(c.slots, slot)
		}
		c.mu.Unlock()
		cancel()
	}
}

// Cancel aborts the in-flight upload for slot, if any.
func (c *Client) Cancel(slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok := c.slots[slot]; ok {
		op.cancel()
		delete(c.slots, slot)
	}
}

// Upload sends data as filename and returns the stored reference. Starting an
// upload for a slot cancels the slot's previous upload, which then returns
// ErrAborted without calling its progress callback again. progress receives
// 0–100 and may be nil.
func (c *Client) Upload(ctx context.Context, slot string, data []byte, filename, mimeType string, progress func(int)) (Result, error) {
	opCtx, done := c.begin(ctx, slot)
	defer done()

	report := func(pct int) {
		if progress != nil && opCtx.Err() == nil {
			progress(pct)
		}
	}

	res, err := retry.Do(opCtx, c.policy, func(ctx context.Context, attempt int) (Result, error) {
		c.logger.Debug("upload attempt", "slot", slot, "filename", filename,
			"size", humanize.IBytes(uint64(len(data))), "attempt", attempt)
		return c.attempt(ctx, data, filename, mimeType, report)
	})
	if opCtx.Err() != nil {
		return Result{}, ErrAborted
	}
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("upload complete", "slot", slot, "url", res.URL, "size", humanize.IBytes(uint64(res.Size)))
	return res, nil
}

func (c *Client) attempt(ctx context.Context, data []byte, filename, mimeType string, report func(int)) (Result, error) {
	body, contentType, err := encodeMultipart(data, filename, mimeType)
	if err != nil {
		return Result{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr := &progressReader{r: bytes.NewReader(body), total: int64(len(body)), report: report, last: -1}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		return Result{}, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		default:
			return Result{}, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w reading response", ErrTimeout)
		}
		return Result{}, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil || res.URL == "" {
			return Result{}, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(raw, 200))
		}
		return res, nil
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusRequestEntityTooLarge ||
		resp.StatusCode == http.StatusUnsupportedMediaType:
		return Result{}, &ValidationError{Status: resp.StatusCode, Message: errorMessage(raw)}
	default:
		return Result{}, &ServerError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
}

func encodeMultipart(data []byte, filename, mimeType string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return truncate(raw, 200)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

// progressReader reports bytes sent as a percentage of total.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.total > 0 {
		pct := int(p.sent * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
