package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxSendTries = 3

// postJSON posts payload to url, retrying transport errors, 429 and 5xx
// responses with exponential backoff. A 429 Retry-After is honoured.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return struct{}{}, nil
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				return struct{}{}, backoff.RetryAfter(secs)
			}
			return struct{}{}, statusErr
		case resp.StatusCode >= 500:
			return struct{}{}, statusErr
		default:
			return struct{}{}, backoff.Permanent(statusErr)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxSendTries))
	return err
}
