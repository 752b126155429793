package inboxsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

type UploadResult struct {
	OK               bool   `json:"ok"`
	JobID            string `json:"job_id"`
	ScheduledBatches int    `json:"scheduled_batches"`
	Total            int    `json:"total"`
}

type ImportStatus struct {
	JobID     string `json:"job_id"`
	File      string `json:"file"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
}

type currentImport struct {
	Status   ImportStatus `json:"status"`
	Complete bool         `json:"complete"`
}

// Uploader is the part of the letterflow admin API the inbox needs.
type Uploader interface {
	Upload(ctx context.Context, path string) (UploadResult, error)
	// Active returns the running import, if any.
	Active(ctx context.Context) (ImportStatus, bool, error)
}

// retryPolicy doubles the wait after each failed attempt, up to ceiling. A server
// Retry-After hint replaces the computed wait but is still capped.
type retryPolicy struct {
	retries int
	base    time.Duration
	ceiling time.Duration
}

func (p retryPolicy) wait(retry int, hint string) time.Duration {
	if d, ok := retryAfter(hint, time.Now()); ok {
		return min(d, p.ceiling)
	}
	d := p.base
	for i := 1; i < retry && d < p.ceiling; i++ {
		d *= 2
	}
	return min(d, p.ceiling)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      retryPolicy
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		retry:      retryPolicy{retries: 3, base: 250 * time.Millisecond, ceiling: 5 * time.Second},
	}
}

func (c *HTTPClient) Upload(ctx context.Context, path string) (UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UploadResult{}, err
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, err
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, err
	}
	var out UploadResult
	err = c.do(ctx, http.MethodPost, "/v1/admin/imports/upload", writer.FormDataContentType(), body.Bytes(), &out)
	return out, err
}

func (c *HTTPClient) Active(ctx context.Context) (ImportStatus, bool, error) {
	var out currentImport
	err := c.do(ctx, http.MethodGet, "/v1/admin/imports/current", "", nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return ImportStatus{}, false, nil
		}
		return ImportStatus{}, false, err
	}
	if out.Complete {
		return out.Status, false, nil
	}
	return out.Status, true, nil
}

// do sends the request, retrying transport errors, 429 and 5xx responses.
func (c *HTTPClient) do(ctx context.Context, method, requestPath, contentType string, body []byte, out any) error {
	var lastErr error
	for retry := 0; retry <= c.retry.retries; retry++ {
		resp, payload, err := c.send(ctx, method, requestPath, contentType, body)
		hint := ""
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		default:
			lastErr = decodeHTTPError(resp.StatusCode, payload)
			if !retryableStatus(resp.StatusCode) {
				return lastErr
			}
			hint = resp.Header.Get("Retry-After")
		}
		if retry == c.retry.retries {
			break
		}
		if err := sleepCtx(ctx, c.retry.wait(retry+1, hint)); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *HTTPClient) send(ctx context.Context, method, requestPath, contentType string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, payload, nil
}

func decodeHTTPError(status int, payload []byte) *HTTPError {
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &envelope)
	return &HTTPError{StatusCode: status, Code: envelope.Code, Message: envelope.Message}
}

// retryAfter reads a Retry-After value in delta-seconds or HTTP-date form.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
