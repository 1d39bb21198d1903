// Package httputil holds the shared HTTP plumbing for the provider
// clients: POST with bounded retries and exponential backoff.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// PostWithRetries posts body to url with retry/backoff and returns the
// response. Transient failures (network errors, 5xx) are retried up to
// attempts times; the caller must close resp.Body. Context fields attached
// via logging.WithFields are carried into every log line.
func PostWithRetries(ctx context.Context, client *http.Client, url, contentType string, body []byte, authToken string, timeout time.Duration, attempts int) (*http.Response, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			logging.DebugwCtx(ctx, "http: POST attempt failed", "url", url, "attempt", i+1, "err", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if i < attempts-1 {
				time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
			}
			continue
		}
		if resp.StatusCode >= 500 && i < attempts-1 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error status=%d", resp.StatusCode)
			logging.DebugwCtx(ctx, "http: server error, retrying", "url", url, "status", resp.StatusCode, "attempt", i+1)
			time.Sleep(time.Duration(200*(1<<i)) * time.Millisecond)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
