package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardzix/masjid-display-service/internal/auth"
	"github.com/ardzix/masjid-display-service/internal/content"
	"github.com/ardzix/masjid-display-service/internal/events"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metadata"
	"github.com/ardzix/masjid-display-service/internal/quota"
	"github.com/ardzix/masjid-display-service/internal/storage/local"
	"github.com/ardzix/masjid-display-service/internal/uploads"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
)

const testSecret = "test-secret"

type testEnv struct {
	handler http.Handler
	auth    *auth.Auth
	bus     *events.Broadcaster
	token   string
}

func newTestEnv(t *testing.T, maxFileSize int64) *testEnv {
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

	a := auth.New(testSecret)
	token, _, err := a.IssueToken("alice", "alice", false, time.Hour)
	require.NoError(t, err)

	srv := NewServer(svc, files, durable, a, bus, quota.NewRateLimiter(0), 1<<20)
	return &testEnv{handler: srv.Handler(), auth: a, bus: bus, token: token}
}

func (e *testEnv) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func (e *testEnv) transfer(t *testing.T, uploadID, fileName string, chunks ...string) {
	t.Helper()
	for i, c := range chunks {
		rec := e.do(t, http.MethodPost, "/api/v1/chunk-upload", e.token, protocol.ChunkUploadRequest{
			FileName: fileName, UploadID: uploadID, ChunkNo: intPtr(i), Chunk: strPtr(c),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp protocol.TransferResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Equal(t, i, resp.ChunkNo)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "ok", resp.Status)
}

func TestChunkUploadRequiresAuth(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload", "", protocol.ChunkUploadRequest{FileName: "a.png"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChunkUploadFullFlow(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_init=1", env.token, protocol.ChunkUploadRequest{FileName: "a.png"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var begin protocol.BeginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&begin))
	require.True(t, begin.Created)
	require.NotEmpty(t, begin.UploadID)

	env.transfer(t, begin.UploadID, "a.png", "data:image/png;base64,Zm9v", "YmFy")

	rec = env.do(t, http.MethodGet, "/api/v1/uploads/"+begin.UploadID, env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status protocol.UploadStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, []int{0, 1}, status.Received)
	require.Equal(t, "active", status.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName:   "a.png",
		UploadID:   begin.UploadID,
		ChunkCount: 2,
		Checksum:   md5Hex("data:image/png;base64,Zm9vYmFy"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var data protocol.FinalizeData
	env1 := protocol.Envelope{Data: &data}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env1))
	require.Equal(t, protocol.MessageUploadSuccess, env1.Message)
	require.Equal(t, "a.png", data.FileName)
	require.Equal(t, "http://media.test/media/files/"+data.FileID+"/a.png", data.URL)

	rec = env.do(t, http.MethodGet, "/api/v1/files/"+data.FileID, env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record content.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	require.Equal(t, int64(6), record.Size)
	require.Equal(t, "image/png", record.ContentType)
	require.Equal(t, "alice", record.OwnerID)

	// Records are visible to their owner and to admins only
	bob, _, err := env.auth.IssueToken("bob", "bob", false, time.Hour)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/files/"+data.FileID, bob, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	admin, _, err := env.auth.IssueToken("root", "root", true, time.Hour)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/files/"+data.FileID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Repeating the session finalize returns the same commit
	rec = env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName:   "a.png",
		UploadID:   begin.UploadID,
		ChunkCount: 2,
		Checksum:   md5Hex("data:image/png;base64,Zm9vYmFy"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var replay protocol.FinalizeData
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&protocol.Envelope{Data: &replay}))
	require.Equal(t, data, replay)

	rec = env.do(t, http.MethodGet, "/media/files/"+data.FileID+"/a.png", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "foobar", rec.Body.String())

	// A second finalize finds no parts
	rec = env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName: "a.png", ChunkCount: 2, Checksum: md5Hex("data:image/png;base64,Zm9vYmFy"),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinalizeChecksumMismatch(t *testing.T) {
	env := newTestEnv(t, 0)
	env.transfer(t, "", "a.png", "data:image/png;base64,Zm9v", "YmFy")

	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName: "a.png", ChunkCount: 2, Checksum: "deadbeef",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var data protocol.ChecksumRejection
	envl := protocol.Envelope{Data: &data}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envl))
	require.Equal(t, protocol.MessageChecksumMismatch, envl.Message)
	require.Equal(t, "deadbeef", data.Expected)
	require.Equal(t, md5Hex("data:image/png;base64,Zm9vYmFy"), data.Actual)
}

func TestFinalizeTooLarge(t *testing.T) {
	env := newTestEnv(t, 4)
	env.transfer(t, "", "a.png", "data:image/png;base64,Zm9vYmFy")

	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName: "a.png", ChunkCount: 1, Checksum: md5Hex("data:image/png;base64,Zm9vYmFy"),
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var data protocol.SizeRejection
	envl := protocol.Envelope{Data: &data}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envl))
	require.Equal(t, protocol.MessageUploadFailed, envl.Message)
	require.Equal(t, int64(6), data.FileSize)
	require.Equal(t, int64(4), data.AllowedSize)
}

func TestTransferValidation(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name string
		body protocol.ChunkUploadRequest
	}{
		{"missing chunk_no", protocol.ChunkUploadRequest{FileName: "a.png", Chunk: strPtr("x")}},
		{"missing chunk", protocol.ChunkUploadRequest{FileName: "a.png", ChunkNo: intPtr(0)}},
		{"negative chunk_no", protocol.ChunkUploadRequest{FileName: "a.png", Chunk: strPtr("x"), ChunkNo: intPtr(-1)}},
		{"path in name", protocol.ChunkUploadRequest{FileName: "../a.png", Chunk: strPtr("x"), ChunkNo: intPtr(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload", env.token, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestTransferFormEncoded(t *testing.T) {
	env := newTestEnv(t, 0)

	form := url.Values{}
	form.Set("file_name", "b.txt")
	form.Set("chunk_no", "0")
	form.Set("chunk", "data:text/plain;base64,b2s=")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chunk-upload", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+env.token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName: "b.txt", ChunkCount: 1, Checksum: md5Hex("data:text/plain;base64,b2s="),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestChunkBodyLimit(t *testing.T) {
	env := newTestEnv(t, 0)
	big := strings.Repeat("A", 2<<20)
	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload", env.token, protocol.ChunkUploadRequest{
		FileName: "a.png", ChunkNo: intPtr(0), Chunk: &big,
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadSessionAccess(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_init=1", env.token, protocol.ChunkUploadRequest{FileName: "a.png"})
	require.Equal(t, http.StatusOK, rec.Code)
	var begin protocol.BeginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&begin))

	bob, _, err := env.auth.IssueToken("bob", "bob", false, time.Hour)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/v1/uploads/"+begin.UploadID, bob, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/chunk-upload", bob, protocol.ChunkUploadRequest{
		FileName: "a.png", UploadID: begin.UploadID, ChunkNo: intPtr(0), Chunk: strPtr("x"),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/uploads/"+begin.UploadID, env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var aborted protocol.AbortResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&aborted))
	require.True(t, aborted.Aborted)

	rec = env.do(t, http.MethodGet, "/api/v1/uploads/"+begin.UploadID, env.token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaOnlyServesCommittedFiles(t *testing.T) {
	env := newTestEnv(t, 0)
	for _, target := range []string{"/media/staging/a.png", "/media/files/missing/a.png"} {
		rec := env.do(t, http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestEventsStreamCommits(t *testing.T) {
	env := newTestEnv(t, 0)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?token="+env.token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.bus.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Another user's commit is filtered out
	env.bus.Publish(events.Event{Type: events.EventCommitted, OwnerID: "bob", FileName: "other.png"})

	env.transfer(t, "", "c.txt", "data:text/plain;base64,b2s=")
	rec := env.do(t, http.MethodPost, "/api/v1/chunk-upload?is_checksum=1", env.token, protocol.ChunkUploadRequest{
		FileName: "c.txt", ChunkCount: 1, Checksum: md5Hex("data:text/plain;base64,b2s="),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, dataLine)

	var evt events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &evt))
	require.Equal(t, events.EventCommitted, evt.Type)
	require.Equal(t, "c.txt", evt.FileName)
	require.Equal(t, "alice", evt.OwnerID)
}
