package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/joseph-ayodele/replay-fetcher/internal/clock"
	"github.com/joseph-ayodele/replay-fetcher/internal/retry"
)

var demoPayload = bytes.Repeat([]byte("HL2DEMO\x00frame"), 512)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// flakyServer answers failures[i] for request i and body afterwards.
func flakyServer(t *testing.T, failures []int, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("request %d without User-Agent", n)
		}
		if n < len(failures) {
			w.WriteHeader(failures[n])
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("%s exists (err=%v), want removed", path, err)
	}
}

func TestFetchRetriesBadGatewayThenSucceeds(t *testing.T) {
	srv, hits := flakyServer(t, []int{502, 502, 502}, gzipBytes(t, demoPayload))
	clk := clock.NewFake(time.Unix(0, 0))
	f := NewFetcher(discardLogger(), WithClock(clk))
	dest := filepath.Join(t.TempDir(), "7.dem")

	if err := f.FetchAndStore(context.Background(), srv.URL+"/730/x.dem.gz", dest); err != nil {
		t.Fatalf("FetchAndStore: %v", err)
	}
	if hits.Load() != 4 {
		t.Fatalf("hits = %d, want 4", hits.Load())
	}
	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second}
	waits := clk.Waits()
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, demoPayload) {
		t.Fatalf("stored %d bytes, want decompressed %d", len(got), len(demoPayload))
	}
	assertNoFile(t, dest+".part")
}

func TestFetchGivesUpAfterSixBadGateways(t *testing.T) {
	srv, hits := flakyServer(t, []int{502, 502, 502, 502, 502, 502}, nil)
	clk := clock.NewFake(time.Unix(0, 0))
	f := NewFetcher(discardLogger(), WithClock(clk))
	dest := filepath.Join(t.TempDir(), "8.dem")

	err := f.FetchAndStore(context.Background(), srv.URL+"/x.dem.bz2", dest)
	if !IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("err = %v, want status 502", err)
	}
	var de *Error
	if !errors.As(err, &de) || de.Attempts != 6 {
		t.Fatalf("err = %#v, want 6 attempts", err)
	}
	if hits.Load() != 6 {
		t.Fatalf("hits = %d, want 6", hits.Load())
	}
	if n := len(clk.Waits()); n != 5 {
		t.Fatalf("waits = %v, want 5", clk.Waits())
	}
	assertNoFile(t, dest)
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	srv, hits := flakyServer(t, []int{404, 404}, nil)
	clk := clock.NewFake(time.Unix(0, 0))
	f := NewFetcher(discardLogger(), WithClock(clk))
	dest := filepath.Join(t.TempDir(), "9.dem")

	err := f.FetchAndStore(context.Background(), srv.URL+"/x.dem.bz2", dest)
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v, want status 404", err)
	}
	if hits.Load() != 1 || len(clk.Waits()) != 0 {
		t.Fatalf("hits = %d waits = %v, want a single attempt", hits.Load(), clk.Waits())
	}
}

func TestFetchCorruptArchiveRemovesPartialFile(t *testing.T) {
	srv, hits := flakyServer(t, nil, []byte("BZh9 definitely not a bzip2 block"))
	f := NewFetcher(discardLogger(), WithClock(clock.NewFake(time.Unix(0, 0))))
	dir := t.TempDir()
	dest := filepath.Join(dir, "10.dem")

	err := f.FetchAndStore(context.Background(), srv.URL+"/x.dem.bz2", dest)
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if IsStatus(err, http.StatusBadGateway) {
		t.Fatalf("decode failure reported as 502: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, corrupt archive must not be retried", hits.Load())
	}
	assertNoFile(t, dest)
	assertNoFile(t, dest+".part")
}

func TestFetchEmptyBodyIsFailure(t *testing.T) {
	for _, path := range []string{"/x.dem", "/x.dem.gz"} {
		t.Run(path, func(t *testing.T) {
			body := []byte(nil)
			if path == "/x.dem.gz" {
				body = gzipBytes(t, nil)
			}
			srv, hits := flakyServer(t, nil, body)
			f := NewFetcher(discardLogger(), WithClock(clock.NewFake(time.Unix(0, 0))))
			dest := filepath.Join(t.TempDir(), "11.dem")

			err := f.FetchAndStore(context.Background(), srv.URL+path, dest)
			if !errors.Is(err, ErrEmptyArtifact) {
				t.Fatalf("err = %v, want ErrEmptyArtifact", err)
			}
			if hits.Load() != 1 {
				t.Fatalf("hits = %d, empty artifact must not be retried", hits.Load())
			}
			assertNoFile(t, dest)
			assertNoFile(t, dest+".part")
		})
	}
}

func TestFetchAttemptTimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		_, _ = w.Write(demoPayload)
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Unix(0, 0))
	f := NewFetcher(discardLogger(), WithClock(clk), WithAttemptTimeout(100*time.Millisecond))
	dest := filepath.Join(t.TempDir(), "11.dem")

	if err := f.FetchAndStore(context.Background(), srv.URL+"/x.dem", dest); err != nil {
		t.Fatalf("FetchAndStore: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
	if waits := clk.Waits(); len(waits) != 1 || waits[0] != 3*time.Second {
		t.Fatalf("waits = %v, want [3s]", waits)
	}
}

func TestFetchDecompressesEachCodec(t *testing.T) {
	// Smallest valid bzip2 stream: header plus end-of-stream marker.
	emptyBzip2 := []byte{'B', 'Z', 'h', '9', 0x17, 0x72, 0x45, 0x38, 0x50, 0x90, 0, 0, 0, 0}
	cases := []struct {
		name string
		path string
		body []byte
		want []byte
	}{
		{"gzip", "/a.dem.gz", gzipBytes(t, demoPayload), demoPayload},
		{"zstd", "/a.dem.zst", zstdBytes(t, demoPayload), demoPayload},
		{"plain", "/a.dem", demoPayload, demoPayload},
		{"bzip2", "/a.dem.bz2?token=x", emptyBzip2, []byte{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := flakyServer(t, nil, tc.body)
			f := NewFetcher(discardLogger(), WithClock(clock.NewFake(time.Unix(0, 0))))
			dest := filepath.Join(t.TempDir(), "out.dem")
			if err := f.FetchAndStore(context.Background(), srv.URL+tc.path, dest); err != nil {
				t.Fatalf("FetchAndStore: %v", err)
			}
			got, err := os.ReadFile(dest)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("got %d bytes, want %d", len(got), len(tc.want))
			}
		})
	}
}

func TestFetchStopsWhenContextCancelled(t *testing.T) {
	srv, hits := flakyServer(t, []int{503, 503, 503}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(discardLogger(), WithPolicy(retry.Policy{MaxAttempts: 6, BaseDelay: time.Hour}))
	go func() {
		for hits.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()

	err := f.FetchAndStore(ctx, srv.URL+"/x.dem", filepath.Join(t.TempDir(), "c.dem"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCodecFor(t *testing.T) {
	cases := map[string]Codec{
		"http://replay1.valve.net/730/000_1.dem.bz2": CodecBzip2,
		"https://x/y.DEM.GZ":                         CodecGzip,
		"https://x/y.dem.zst?sig=abc":                CodecZstd,
		"https://x/y.dem":                            CodecNone,
	}
	for in, want := range cases {
		if got := codecFor(in); got != want {
			t.Errorf("codecFor(%q) = %s, want %s", in, got, want)
		}
	}
}
