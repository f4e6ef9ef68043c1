package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardzix/masjid-display-service/internal/api"
	"github.com/ardzix/masjid-display-service/internal/auth"
	"github.com/ardzix/masjid-display-service/internal/content"
	"github.com/ardzix/masjid-display-service/internal/events"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metadata"
	"github.com/ardzix/masjid-display-service/internal/quota"
	"github.com/ardzix/masjid-display-service/internal/storage/local"
	"github.com/ardzix/masjid-display-service/internal/uploads"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
	"github.com/ardzix/masjid-display-service/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
}

// newUploadServer runs the real API against sqlite and local storage.
func newUploadServer(t *testing.T, maxFileSize int64) (*httptest.Server, string) {
	t.Helper()
	h, token := newUploadHandler(t, maxFileSize)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, token
}

func newUploadHandler(t *testing.T, maxFileSize int64) (http.Handler, string) {
	t.Helper()
	logging.InitNop()
	ctx := context.Background()

	db, err := metadata.Open(ctx, metadata.DriverSQLite, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	chunks, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	durable, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true, BaseURL: "http://media.test/media"})
	require.NoError(t, err)

	bus := events.NewBroadcaster()
	files := content.NewStore(db, durable, durable)
	svc := uploads.NewService(chunks, durable, uploads.NewSessionStore(db, time.Hour), files, bus, uploads.Config{
		MaxFileSize:     maxFileSize,
		FinalizeTimeout: 10 * time.Second,
		StorageTimeout:  5 * time.Second,
	})

	a := auth.New("test-secret")
	token, _, err := a.IssueToken("alice", "alice", false, time.Hour)
	require.NoError(t, err)

	return api.NewServer(svc, files, durable, a, bus, quota.NewRateLimiter(0), 1<<20).Handler(), token
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		size int
		want []string
	}{
		{"abcdef", 2, []string{"ab", "cd", "ef"}},
		{"abcdefg", 3, []string{"abc", "def", "g"}},
		{"ab", 10, []string{"ab"}},
		{"", 4, []string{""}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Split(tt.in, tt.size), "Split(%q, %d)", tt.in, tt.size)
	}
}

func TestEncodeDataURI(t *testing.T) {
	require.Equal(t, "data:image/png;base64,Zm9vYmFy", EncodeDataURI("image/png", []byte("foobar")))
	require.Equal(t, "data:text/plain; charset=utf-8;base64,aGVsbG8=", EncodeDataURI("", []byte("hello")))
	require.Equal(t, "a2f9de889538a448ec3ca2178867d000", Checksum("data:image/png;base64,Zm9vYmFy"))
}

func TestUploadEndToEnd(t *testing.T) {
	ts, token := newUploadServer(t, 0)
	c := New(Config{BaseURL: ts.URL, AuthToken: token, ChunkSize: 7, Concurrency: 3, RetryConfig: fastRetry()})

	payload := bytes.Repeat([]byte("masjid display slide "), 20)
	res, err := c.Upload(context.Background(), "slide.txt", payload, UploadOptions{ContentType: "text/plain", Description: "friday"})
	require.NoError(t, err)
	require.Equal(t, "slide.txt", res.FileName)
	require.NotEmpty(t, res.FileID)

	resp, err := http.Get(ts.URL + "/media/files/" + res.FileID + "/slide.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	require.Equal(t, payload, got.Bytes())
}

func TestUploadResumesSession(t *testing.T) {
	ts, token := newUploadServer(t, 0)
	c := New(Config{BaseURL: ts.URL, AuthToken: token, ChunkSize: 4, RetryConfig: fastRetry()})
	ctx := context.Background()

	begin, err := c.Begin(ctx, "r.txt", "")
	require.NoError(t, err)

	encoded := EncodeDataURI("text/plain", []byte("resumable"))
	parts := Split(encoded, 4)
	require.NoError(t, c.Transfer(ctx, begin.UploadID, "r.txt", 0, parts[0]))

	st, err := c.Status(ctx, begin.UploadID)
	require.NoError(t, err)
	require.Equal(t, []int{0}, st.Received)

	res, err := c.Upload(ctx, "r.txt", []byte("resumable"), UploadOptions{ContentType: "text/plain", UploadID: begin.UploadID})
	require.NoError(t, err)
	require.Equal(t, "r.txt", res.FileName)
}

func TestUploadTooLarge(t *testing.T) {
	ts, token := newUploadServer(t, 4)
	c := New(Config{BaseURL: ts.URL, AuthToken: token, RetryConfig: fastRetry()})

	_, err := c.Upload(context.Background(), "a.png", []byte("foobar"), UploadOptions{ContentType: "image/png"})
	re, ok := AsRejected(err)
	require.True(t, ok, "expected rejection, got %v", err)
	require.Equal(t, http.StatusRequestEntityTooLarge, re.StatusCode)
	require.Equal(t, int64(6), re.Size.FileSize)
	require.Equal(t, int64(4), re.Size.AllowedSize)
}

func TestFinalizeChecksumRejection(t *testing.T) {
	ts, token := newUploadServer(t, 0)
	c := New(Config{BaseURL: ts.URL, AuthToken: token, RetryConfig: fastRetry()})
	ctx := context.Background()

	require.NoError(t, c.Transfer(ctx, "", "a.png", 0, "data:image/png;base64,Zm9vYmFy"))
	_, err := c.Finalize(ctx, protocol.ChunkUploadRequest{FileName: "a.png", ChunkCount: 1, Checksum: "deadbeef"})
	re, ok := AsRejected(err)
	require.True(t, ok, "expected rejection, got %v", err)
	require.Equal(t, "deadbeef", re.Checksum.Expected)
	require.Equal(t, Checksum("data:image/png;base64,Zm9vYmFy"), re.Checksum.Actual)

	// Parts survive a rejection
	res, err := c.Finalize(ctx, protocol.ChunkUploadRequest{
		FileName: "a.png", ChunkCount: 1, Checksum: Checksum("data:image/png;base64,Zm9vYmFy"),
	})
	require.NoError(t, err)
	require.Equal(t, "a.png", res.FileName)
}

func TestTransferRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "storage unavailable", Code: 503})
			return
		}
		json.NewEncoder(w).Encode(protocol.TransferResponse{ChunkNo: 0})
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	require.NoError(t, c.Transfer(context.Background(), "", "a.png", 0, "x"))
	require.Equal(t, int32(3), calls.Load())
}

func TestTransferDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "invalid request: file_name is required", Code: 400})
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	err := c.Transfer(context.Background(), "", "", 0, "x")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.True(t, strings.Contains(apiErr.Message, "file_name"))
	require.Equal(t, int32(1), calls.Load())
}

func TestLegacyFinalizeNotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	_, err := c.Finalize(context.Background(), protocol.ChunkUploadRequest{FileName: "a.png", ChunkCount: 1, Checksum: "abc"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, int32(1), calls.Load())
}

func TestLegacyFinalizeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: "rate limit exceeded", Code: 429})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(protocol.Envelope{Message: "ok", Data: protocol.FinalizeData{FileID: "f1", FileName: "a.png"}})
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, RetryConfig: fastRetry()})
	res, err := c.Finalize(context.Background(), protocol.ChunkUploadRequest{FileName: "a.png", ChunkCount: 1, Checksum: "abc"})
	require.NoError(t, err)
	require.Equal(t, "f1", res.FileID)
	require.Equal(t, int32(2), calls.Load())
}

func TestSessionFinalizeSurvivesLostResponse(t *testing.T) {
	h, token := newUploadHandler(t, 0)

	// The first finalize commits on the server but its response never
	// reaches the client.
	var dropped atomic.Bool
	var committed protocol.FinalizeData
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("is_checksum") == "1" && dropped.CompareAndSwap(false, true) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code == http.StatusCreated {
				json.Unmarshal(rec.Body.Bytes(), &protocol.Envelope{Data: &committed})
			}
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		h.ServeHTTP(w, r)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, AuthToken: token, RetryConfig: fastRetry(), ChunkSize: 8})
	res, err := c.Upload(context.Background(), "slide.png", []byte("foobar"), UploadOptions{ContentType: "image/png"})
	require.NoError(t, err)
	require.True(t, dropped.Load())
	require.NotEmpty(t, committed.FileID)
	require.Equal(t, committed.FileID, res.FileID)
	require.Equal(t, "slide.png", res.FileName)
}
