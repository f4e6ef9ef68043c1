package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardzix/masjid-display-service/internal/logging"
)

func TestWatchDeliversAndReconnects(t *testing.T) {
	logging.InitNop()
	var conns atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: upload.committed\ndata: {\"type\":\"upload.committed\",\"file_name\":\"f%d.png\",\"file_id\":\"id-%d\"}\n\n", n, n)
		w.(http.Flusher).Flush()
		// Returning closes the stream and forces a reconnect.
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := New(Config{BaseURL: ts.URL, AuthToken: "tok"})
	events := c.Watch(ctx)

	first := <-events
	require.Equal(t, "upload.committed", first.Type)
	require.Equal(t, "f1.png", first.FileName)

	second := <-events
	require.Equal(t, "f2.png", second.FileName)
	require.Equal(t, "id-2", second.FileID)

	cancel()
	for range events {
	}
}
