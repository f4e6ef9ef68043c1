package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
	"github.com/ardzix/masjid-display-service/pkg/retry"
)

// Watch streams the caller's upload events, reconnecting with backoff until
// ctx is done. The channel is closed on return.
func (c *Client) Watch(ctx context.Context) <-chan protocol.UploadEvent {
	out := make(chan protocol.UploadEvent, 100)
	go c.watchLoop(ctx, out)
	return out
}

func (c *Client) watchLoop(ctx context.Context, out chan<- protocol.UploadEvent) {
	defer close(out)

	backoff := retry.Config{InitialWait: time.Second, MaxWait: 30 * time.Second, Multiplier: 2, Jitter: 0.1}
	failures := 0

	for ctx.Err() == nil {
		delivered, err := c.streamEvents(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			failures = 0
		}
		failures++
		wait := backoff.Backoff(failures)
		logging.Warn("event stream interrupted", zap.Error(err), zap.Duration("reconnect_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// streamEvents reads one connection until it ends. delivered reports
// whether any event arrived.
func (c *Client) streamEvents(ctx context.Context, out chan<- protocol.UploadEvent) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.applyAuth(req)

	// The shared client's timeout would cut the stream.
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			var evt protocol.UploadEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logging.Debug("skipping malformed event", zap.Error(err))
			} else {
				select {
				case out <- evt:
					delivered = true
				case <-ctx.Done():
					return delivered, nil
				}
			}
			data = ""
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("read: %w", err)
	}
	return delivered, fmt.Errorf("connection closed")
}
