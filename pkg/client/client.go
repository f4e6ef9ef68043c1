// Package client uploads files to the chunked upload API: it encodes the
// payload as a base64 data URI, transfers the slices in parallel with
// retries and finalizes with the MD5 of the whole encoded text.
package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
	"github.com/ardzix/masjid-display-service/pkg/retry"
)

const (
	DefaultChunkSize   = 1 << 20
	DefaultConcurrency = 4
)

// Client talks to the upload API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	chunkSize   int
	concurrency int

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	ChunkSize   int // characters of encoded text per chunk
	Concurrency int // parallel chunk transfers
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: cfg.Concurrency,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		chunkSize:   cfg.ChunkSize,
		concurrency: cfg.Concurrency,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// APIError is a non-2xx response that is not a finalize rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// RejectedError is a finalize the server refused with an envelope body.
// Exactly one of Size and Checksum is set.
type RejectedError struct {
	StatusCode int
	Message    string
	Size       *protocol.SizeRejection
	Checksum   *protocol.ChecksumRejection
}

func (e *RejectedError) Error() string {
	switch {
	case e.Size != nil:
		return fmt.Sprintf("%s: %d bytes exceeds limit of %d", e.Message, e.Size.FileSize, e.Size.AllowedSize)
	case e.Checksum != nil:
		return fmt.Sprintf("%s: expected %s, got %s", e.Message, e.Checksum.Expected, e.Checksum.Actual)
	default:
		return e.Message
	}
}

// AsRejected extracts a RejectedError.
func AsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	ok := errors.As(err, &re)
	return re, ok
}

// EncodeDataURI renders data as the text the server assembles and decodes.
func EncodeDataURI(contentType string, data []byte) string {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Checksum returns the lowercase hex MD5 of the encoded text.
func Checksum(encoded string) string {
	sum := md5.Sum([]byte(encoded))
	return hex.EncodeToString(sum[:])
}

// Split cuts encoded into consecutive slices of at most size bytes. The
// encoded text is ASCII, so byte offsets never split a character.
func Split(encoded string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	parts := make([]string, 0, len(encoded)/size+1)
	for len(encoded) > size {
		parts = append(parts, encoded[:size])
		encoded = encoded[size:]
	}
	return append(parts, encoded)
}

// UploadOptions tune a single upload.
type UploadOptions struct {
	ContentType string
	Description string
	Folder      string
	// UploadID resumes an existing session; chunks it already holds are
	// skipped.
	UploadID string
}

// Upload sends data as fileName and returns the committed file.
func (c *Client) Upload(ctx context.Context, fileName string, data []byte, opts UploadOptions) (*protocol.FinalizeData, error) {
	encoded := EncodeDataURI(opts.ContentType, data)
	chunks := Split(encoded, c.chunkSize)

	uploadID := opts.UploadID
	if uploadID == "" {
		begin, err := c.Begin(ctx, fileName, opts.Folder)
		if err != nil {
			return nil, fmt.Errorf("begin upload: %w", err)
		}
		uploadID = begin.UploadID
	}

	received := map[int]bool{}
	if opts.UploadID != "" {
		st, err := c.Status(ctx, uploadID)
		if err != nil {
			return nil, fmt.Errorf("upload status: %w", err)
		}
		for _, n := range st.Received {
			received[n] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, chunk := range chunks {
		if received[i] {
			continue
		}
		g.Go(func() error {
			return c.Transfer(gctx, uploadID, fileName, i, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Debug("chunks transferred",
		zap.String("file_name", fileName),
		zap.String("upload_id", uploadID),
		zap.Int("chunks", len(chunks)))

	return c.Finalize(ctx, protocol.ChunkUploadRequest{
		FileName:    fileName,
		UploadID:    uploadID,
		ChunkCount:  len(chunks),
		Checksum:    Checksum(encoded),
		Description: opts.Description,
	})
}

// UploadReader reads r fully and uploads it.
func (c *Client) UploadReader(ctx context.Context, fileName string, r io.Reader, opts UploadOptions) (*protocol.FinalizeData, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	return c.Upload(ctx, fileName, data, opts)
}

// Begin opens or resumes the caller's session for fileName.
func (c *Client) Begin(ctx context.Context, fileName, folder string) (*protocol.BeginResponse, error) {
	var resp protocol.BeginResponse
	err := retry.Do(ctx, c.retryConfig, func() error {
		return c.post(ctx, "is_init", protocol.ChunkUploadRequest{FileName: fileName, Folder: folder}, http.StatusOK, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transfer stores chunk number n.
func (c *Client) Transfer(ctx context.Context, uploadID, fileName string, n int, chunk string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		var resp protocol.TransferResponse
		return c.post(ctx, "", protocol.ChunkUploadRequest{
			FileName: fileName,
			UploadID: uploadID,
			ChunkNo:  &n,
			Chunk:    &chunk,
		}, http.StatusOK, &resp)
	})
}

// Finalize asks the server to assemble and commit the upload. Rejections
// come back as *RejectedError and are not retried; the parts stay on the
// server so the caller may retry with a corrected checksum.
//
// A session finalize is retried like any other call, since the server
// answers a repeat with the original commit. Without an upload id a lost
// response may hide a commit, so only a 429 is retried.
func (c *Client) Finalize(ctx context.Context, req protocol.ChunkUploadRequest) (*protocol.FinalizeData, error) {
	var data protocol.FinalizeData
	err := retry.Do(ctx, c.retryConfig, func() error {
		err := c.post(ctx, "is_checksum", req, http.StatusCreated, &protocol.Envelope{Data: &data})
		if req.UploadID == "" && !rateLimited(err) {
			return final(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Status reports which chunks the server holds for a session.
func (c *Client) Status(ctx context.Context, uploadID string) (*protocol.UploadStatusResponse, error) {
	var resp protocol.UploadStatusResponse
	err := retry.Do(ctx, c.retryConfig, func() error {
		return c.do(ctx, http.MethodGet, "/api/v1/uploads/"+url.PathEscape(uploadID), nil, http.StatusOK, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort discards a session and its parts.
func (c *Client) Abort(ctx context.Context, uploadID string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		return c.do(ctx, http.MethodDelete, "/api/v1/uploads/"+url.PathEscape(uploadID), nil, http.StatusOK, &protocol.AbortResponse{})
	})
}

func (c *Client) post(ctx context.Context, flag string, body protocol.ChunkUploadRequest, want int, out any) error {
	path := "/api/v1/chunk-upload"
	if flag != "" {
		path += "?" + flag + "=1"
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, data, want, out)
}

// do performs one request. Network errors, 429 and 5xx are retryable.
func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == want {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return responseError(resp)
}

func rateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// final strips the retry mark from err.
func final(err error) error {
	var re retry.RetryableError
	if errors.As(err, &re) {
		return re.Err
	}
	return err
}

func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusRequestEntityTooLarge:
		var size protocol.SizeRejection
		env := protocol.Envelope{Data: &size}
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			return &RejectedError{StatusCode: resp.StatusCode, Message: env.Message, Size: &size}
		}
	case http.StatusUnprocessableEntity:
		var sum protocol.ChecksumRejection
		env := protocol.Envelope{Data: &sum}
		if json.Unmarshal(raw, &env) == nil && env.Message == protocol.MessageChecksumMismatch {
			return &RejectedError{StatusCode: resp.StatusCode, Message: env.Message, Checksum: &sum}
		}
	}

	msg := string(raw)
	var er protocol.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: msg}

	if resp.StatusCode == http.StatusTooManyRequests {
		after := time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			after = time.Duration(secs) * time.Second
		}
		return retry.RetryableAfter(apiErr, after)
	}
	if resp.StatusCode >= 500 {
		return retry.Retryable(apiErr)
	}
	return apiErr
}
