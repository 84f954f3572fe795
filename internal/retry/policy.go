// Package retry holds the pure retry and backoff decisions shared by the
// download pipeline and the bridge reconnect loop.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Policy decides how many attempts an operation gets and how long to wait
// between them. Delays grow linearly: BaseDelay × attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// DownloadPolicy is the policy for replay downloads: 6 attempts, 3s × attempt.
func DownloadPolicy() Policy {
	return Policy{MaxAttempts: 6, BaseDelay: 3 * time.Second}
}

// Linear returns a policy with unlimited attempts and a capped linear delay.
func Linear(base, max time.Duration) Policy {
	return Policy{BaseDelay: base, MaxDelay: max}
}

// Backoff returns the wait before the retry that follows the given failed
// attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failed with a retryable condition. MaxAttempts <= 0 means unlimited.
func (p Policy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt < p.MaxAttempts
}

// RetryableStatus reports whether an HTTP status is a transient gateway failure.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

var transientSignatures = []string{
	"connection reset by peer",
	"broken pipe",
	"unexpected eof",
	"server closed idle connection",
	"http2: client connection lost",
	"tls handshake timeout",
}

// Transient reports whether err looks like a request abort, timeout, or
// network reset that is worth retrying. context.Canceled is never transient:
// it means the caller gave up.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Sleep waits for d or until ctx is done, using after to obtain the timer channel.
func Sleep(ctx context.Context, after func(time.Duration) <-chan time.Time, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-after(d):
		return nil
	}
}
