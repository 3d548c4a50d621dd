package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxResponseBytes = 1 << 20 // 1 MiB per tool response
	maxHTTPRetries   = 3
)

// doWithRetries executes an HTTP request with exponential backoff.
// 5xx responses and transport errors retry; 4xx responses fail immediately.
func doWithRetries(ctx context.Context, client *http.Client, build func() (*http.Request, error)) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, truncateForError(data))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("request failed %d: %s", resp.StatusCode, truncateForError(data)))
		}
		body = data
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxHTTPRetries), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func truncateForError(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
