// Package download fetches replay archives over HTTP and streams them through
// the matching decompressor into the downloads directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/replay-fetcher/internal/clock"
	"github.com/joseph-ayodele/replay-fetcher/internal/retry"
)

// DefaultAttemptTimeout bounds a single GET including the body stream.
const DefaultAttemptTimeout = 120 * time.Second

// Some replay mirrors refuse requests that do not look like a browser.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Accept":          "*/*",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "identity",
	"Connection":      "keep-alive",
	"Cache-Control":   "no-cache",
}

// Error is returned once a download has failed for good.
type Error struct {
	URL      string
	Attempts int
	// Status is the last HTTP status seen, zero when the last attempt failed in transport.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s failed after %d attempt(s): status %d", e.URL, e.Attempts, e.Status)
	}
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsStatus reports whether err is a download failure whose last HTTP status was code.
func IsStatus(err error, code int) bool {
	var de *Error
	return errors.As(err, &de) && de.Status == code
}

// ErrEmptyArtifact is returned when a 2xx response decodes to zero bytes.
var ErrEmptyArtifact = errors.New("download produced an empty artifact")

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

// Fetcher downloads and decompresses replay archives with bounded retries.
type Fetcher struct {
	client  *http.Client
	logger  *slog.Logger
	clock   clock.Clock
	policy  retry.Policy
	timeout time.Duration
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(f *Fetcher) {
		if clk != nil {
			f.clock = clk
		}
	}
}

func WithPolicy(p retry.Policy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// WithAttemptTimeout sets the per-attempt deadline.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func NewFetcher(logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		client:  &http.Client{},
		logger:  logger,
		clock:   clock.Real(),
		policy:  retry.DownloadPolicy(),
		timeout: DefaultAttemptTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchAndStore downloads url and writes the decompressed artifact to dest.
// A partial file never survives a failed attempt.
func (f *Fetcher) FetchAndStore(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &Error{URL: url, Err: fmt.Errorf("create downloads dir: %w", err)}
	}
	codec := codecFor(url)

	for attempt := 1; ; attempt++ {
		start := f.clock.Now()
		status, written, err := f.attempt(ctx, url, dest, codec)
		if err == nil {
			f.logger.Info("download.stored",
				"url", url,
				"dest", dest,
				"codec", codec,
				"attempt", attempt,
				"bytes", written,
				"elapsed_ms", f.clock.Now().Sub(start).Milliseconds(),
			)
			return nil
		}

		retryable := retry.RetryableStatus(status) || retry.Transient(err)
		if !retryable || !f.policy.ShouldRetry(attempt) || ctx.Err() != nil {
			f.logger.Error("download.failed", "url", url, "attempt", attempt, "status", status, "error", err)
			return &Error{URL: url, Attempts: attempt, Status: status, Err: err}
		}

		wait := f.policy.Backoff(attempt)
		f.logger.Warn("download.retry", "url", url, "attempt", attempt, "status", status, "wait", wait, "error", err)
		if err := retry.Sleep(ctx, f.clock.After, wait); err != nil {
			return &Error{URL: url, Attempts: attempt, Status: status, Err: err}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, url, dest string, codec Codec) (int, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			f.logger.Debug("download.body_close_error", "url", url, "error", err)
		}
	}(resp.Body)

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, 0, &statusError{code: resp.StatusCode}
	}

	written, err := store(resp.Body, codec, dest)
	return resp.StatusCode, written, err
}

// store streams body through the codec into dest+".part", syncs it and
// renames it into place. The part file is removed on any failure.
func store(body io.Reader, codec Codec, dest string) (written int64, err error) {
	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(part)
		}
	}()

	r, err := codec.NewReader(body)
	if err != nil {
		return 0, fmt.Errorf("open %s stream: %w", codec, err)
	}
	written, err = io.Copy(out, r)
	if cerr := r.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("decode %s stream: %w", codec, err)
	}
	if written == 0 {
		err = ErrEmptyArtifact
		return 0, err
	}
	if err = out.Sync(); err != nil {
		return written, fmt.Errorf("sync %s: %w", part, err)
	}
	if err = out.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", part, err)
	}
	if err = os.Rename(part, dest); err != nil {
		return written, fmt.Errorf("rename %s: %w", part, err)
	}
	return written, nil
}
