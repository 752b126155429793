package inboxsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientUploadRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"queue_unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/admin/imports/upload" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "letters.csv" || string(data) != "content\nhello\n" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true,"job_id":"job_1","scheduled_batches":1,"total":1}`))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "letters.csv")
	if err := os.WriteFile(path, []byte("content\nhello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	client := NewHTTPClient(server.URL, "token", server.Client())
	client.retry.base = 0
	result, err := client.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if result.JobID != "job_1" || result.Total != 1 {
		t.Fatalf("unexpected upload result: %+v", result)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientUploadPermanentFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_json","message":"expected a JSON array"}`))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "letters.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Upload(context.Background(), path)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != "invalid_json" || !httpErr.Permanent() {
		t.Fatalf("expected permanent invalid_json error, got %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retries for 400, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientActive(t *testing.T) {
	var body atomic.Value
	body.Store("")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/admin/imports/current" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		payload := body.Load().(string)
		if payload == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"no_active_job","message":"no active import job"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()
	client := NewHTTPClient(server.URL, "token", server.Client())
	ctx := context.Background()

	if _, running, err := client.Active(ctx); err != nil || running {
		t.Fatalf("expected no running import, got running=%v err=%v", running, err)
	}

	body.Store(`{"status":{"job_id":"job_2","total":10,"processed":4},"complete":false}`)
	status, running, err := client.Active(ctx)
	if err != nil || !running {
		t.Fatalf("expected running import, got running=%v err=%v", running, err)
	}
	if status.JobID != "job_2" || status.Processed != 4 {
		t.Fatalf("unexpected status: %+v", status)
	}

	body.Store(`{"status":{"job_id":"job_2","total":10,"processed":10},"complete":true}`)
	if _, running, err := client.Active(ctx); err != nil || running {
		t.Fatalf("expected completed import to not block, got running=%v err=%v", running, err)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{value: "3", want: 3 * time.Second, ok: true},
		{value: "-2", want: 0, ok: true},
		{value: now.Add(10 * time.Second).Format(http.TimeFormat), want: 10 * time.Second, ok: true},
		{value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, ok: true},
		{value: "soon"},
		{value: ""},
	}
	for _, tt := range tests {
		got, ok := retryAfter(tt.value, now)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("retryAfter(%q) = %s, %v; want %s, %v", tt.value, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRetryPolicyWait(t *testing.T) {
	p := retryPolicy{retries: 3, base: 250 * time.Millisecond, ceiling: time.Second}
	for retry, want := range map[int]time.Duration{1: 250 * time.Millisecond, 2: 500 * time.Millisecond, 3: time.Second, 6: time.Second} {
		if got := p.wait(retry, ""); got != want {
			t.Fatalf("wait(%d) = %s, want %s", retry, got, want)
		}
	}
	if got := p.wait(1, "30"); got != time.Second {
		t.Fatalf("Retry-After must be capped, got %s", got)
	}
	if got := p.wait(1, "0"); got != 0 {
		t.Fatalf("Retry-After 0 means retry now, got %s", got)
	}
}
