package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestDownloadPolicyBackoffIsLinear(t *testing.T) {
	p := DownloadPolicy()
	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestShouldRetryStopsAtBudget(t *testing.T) {
	p := DownloadPolicy()
	retries := 0
	for attempt := 1; p.ShouldRetry(attempt); attempt++ {
		retries++
	}
	if retries != 5 {
		t.Fatalf("retries = %d, want 5 waits for 6 attempts", retries)
	}
	if !Linear(time.Second, 0).ShouldRetry(1000) {
		t.Fatalf("unlimited policy refused a retry")
	}
}

func TestLinearCapsDelay(t *testing.T) {
	p := Linear(2*time.Second, 5*time.Second)
	if got := p.Backoff(10); got != 5*time.Second {
		t.Fatalf("Backoff(10) = %v, want cap 5s", got)
	}
	if got := p.Backoff(0); got != 2*time.Second {
		t.Fatalf("Backoff(0) = %v, want 2s", got)
	}
}

func TestRetryableStatus(t *testing.T) {
	for code, want := range map[int]bool{
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
		http.StatusInternalServerError: false,
		http.StatusTooManyRequests:     false,
	} {
		if got := RetryableStatus(code); got != want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"wrapped reset", fmt.Errorf("read body: %w", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}), true},
		{"unexpected eof", fmt.Errorf("copy: %w", io.ErrUnexpectedEOF), true},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"dns temporary", &net.DNSError{Err: "server misbehaving", IsTemporary: true}, true},
		{"dns not found", &net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{"text signature", errors.New("write tcp: broken pipe"), true},
		{"permanent", errors.New("bzip2 data invalid: bad magic value"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Transient(tc.err); got != tc.want {
				t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	never := func(time.Duration) <-chan time.Time { return make(chan time.Time) }
	if err := Sleep(ctx, never, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v, want context.Canceled", err)
	}

	fired := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	if err := Sleep(context.Background(), fired, time.Hour); err != nil {
		t.Fatalf("Sleep = %v, want nil", err)
	}
}
