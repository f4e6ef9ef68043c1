// Package uploads implements resumable chunked uploads: chunks of a base64
// data URI are stored as independent parts, then assembled, verified,
// decoded, size-checked and promoted to a content record on finalize.
package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/content"
	"github.com/ardzix/masjid-display-service/internal/events"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metrics"
	"github.com/ardzix/masjid-display-service/internal/storage"
)

// Caller identifies the authenticated user making a request.
type Caller struct {
	ID      string
	IsAdmin bool
}

// Config holds upload limits and deadlines.
type Config struct {
	MaxFileSize     int64 // decoded bytes, 0 = unlimited
	FinalizeTimeout time.Duration
	StorageTimeout  time.Duration
	CleanupInterval time.Duration
	// RequireSession rejects Transfer and Finalize calls without an
	// upload id instead of falling back to the shared name-only keys.
	RequireSession bool
}

// Service coordinates the chunk store, durable store, session registry and
// content records.
type Service struct {
	chunks   storage.Backend
	durable  storage.Backend
	sessions *SessionStore
	files    *content.Store
	bus      *events.Broadcaster
	locks    *lockArena
	cfg      Config
}

// NewService creates an upload service. bus may be nil.
func NewService(chunks, durable storage.Backend, sessions *SessionStore, files *content.Store, bus *events.Broadcaster, cfg Config) *Service {
	return &Service{
		chunks:   chunks,
		durable:  durable,
		sessions: sessions,
		files:    files,
		bus:      bus,
		locks:    newLockArena(),
		cfg:      cfg,
	}
}

// BeginRequest opens (or reopens) an upload session.
type BeginRequest struct {
	FileName string
	Folder   string
}

// BeginResult carries the session id to pass on Transfer and Finalize.
type BeginResult struct {
	Created  bool   `json:"created"`
	UploadID string `json:"upload_id"`
}

// Begin returns the caller's open session for the file name, creating one
// when none exists.
func (s *Service) Begin(ctx context.Context, caller Caller, req BeginRequest) (*BeginResult, error) {
	if err := validateFileName(req.FileName); err != nil {
		return nil, err
	}
	sess, created, err := s.sessions.GetOrCreate(ctx, caller.ID, req.FileName, req.Folder)
	if err != nil {
		return nil, err
	}
	metrics.RecordBegin(created)
	logging.WithContext(ctx).Info("upload session begun",
		zap.String("upload_id", sess.ID),
		zap.String("file_name", sess.FileName),
		zap.Bool("created", created))
	return &BeginResult{Created: created, UploadID: sess.ID}, nil
}

// TransferRequest carries one chunk of encoded text.
type TransferRequest struct {
	UploadID string
	FileName string
	ChunkNo  int
	Chunk    string
}

// Transfer stores one chunk verbatim, replacing any earlier chunk with the
// same index. Order and completeness are not checked here.
func (s *Service) Transfer(ctx context.Context, caller Caller, req TransferRequest) (int, error) {
	if err := validateFileName(req.FileName); err != nil {
		return 0, err
	}
	if req.ChunkNo < 0 {
		return 0, invalid("chunk_no must be >= 0")
	}
	if req.Chunk == "" {
		return 0, invalid("chunk is required")
	}
	if s.cfg.RequireSession && req.UploadID == "" {
		return 0, invalid("upload_id is required")
	}

	if req.UploadID != "" {
		sess, err := s.resolveSession(ctx, caller, req.UploadID, req.FileName)
		if err != nil {
			return 0, err
		}
		if sess.IsDone || sess.Status(time.Now()) == "expired" {
			return 0, ErrSessionClosed
		}
	}

	key := partKey(namespace(req.UploadID), req.FileName, req.ChunkNo)
	putCtx, cancel := s.storageContext(ctx)
	defer cancel()
	if err := s.chunks.PutObject(putCtx, key, strings.NewReader(req.Chunk), int64(len(req.Chunk))); err != nil {
		metrics.RecordChunkTransfer(len(req.Chunk), false)
		return 0, fmt.Errorf("%w: write %s: %v", ErrBackendUnavailable, key, err)
	}

	if req.UploadID != "" {
		if err := s.sessions.RecordChunk(ctx, req.UploadID, req.ChunkNo, int64(len(req.Chunk))); err != nil {
			metrics.RecordChunkTransfer(len(req.Chunk), false)
			return 0, err
		}
	}

	metrics.RecordChunkTransfer(len(req.Chunk), true)
	logging.WithContext(ctx).Debug("chunk stored",
		zap.String("key", key),
		zap.Int("chunk_no", req.ChunkNo),
		zap.Int("bytes", len(req.Chunk)))
	return req.ChunkNo, nil
}

// FinalizeRequest asks for the parts 0..ChunkCount-1 to be assembled.
type FinalizeRequest struct {
	UploadID    string
	FileName    string
	ChunkCount  int
	Checksum    string
	Description string
}

// FinalizeResult describes the committed content record.
type FinalizeResult struct {
	URL      string `json:"url"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Size     int64  `json:"file_size"`
}

// Finalize assembles the parts, verifies the MD5 of the encoded text,
// decodes it, enforces the size limit and commits a content record. Parts
// are only removed after a commit, so any rejection can be retried.
func (s *Service) Finalize(ctx context.Context, caller Caller, req FinalizeRequest) (*FinalizeResult, error) {
	start := time.Now()

	if err := validateFileName(req.FileName); err != nil {
		return nil, err
	}
	if req.ChunkCount < 1 {
		return nil, invalid("chunk_count must be >= 1")
	}
	if req.Checksum == "" {
		return nil, invalid("checksum is required")
	}
	if s.cfg.RequireSession && req.UploadID == "" {
		return nil, invalid("upload_id is required")
	}

	var sess *Session
	if req.UploadID != "" {
		var err error
		sess, err = s.resolveSession(ctx, caller, req.UploadID, req.FileName)
		if err != nil {
			return nil, err
		}
		if sess.IsDone {
			return s.committed(ctx, sess, req)
		}
	}

	if s.cfg.FinalizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FinalizeTimeout)
		defer cancel()
	}

	ns := namespace(req.UploadID)
	unlock, err := s.locks.Acquire(ctx, ns+req.FileName)
	if err != nil {
		return nil, fmt.Errorf("%w: finalize lock for %s: %v", ErrBackendUnavailable, req.FileName, err)
	}
	defer unlock()

	// A concurrent finalize may have committed the session while we waited.
	if sess != nil {
		if sess, err = s.sessions.Get(ctx, sess.ID); errors.Is(err, ErrSessionNotFound) {
			return nil, err
		} else if err != nil {
			return nil, fmt.Errorf("%w: reload upload %s: %v", ErrBackendUnavailable, req.UploadID, err)
		}
		if sess.IsDone {
			return s.committed(ctx, sess, req)
		}
	}

	log := logging.WithContext(ctx).With(
		zap.String("file_name", req.FileName),
		zap.String("upload_id", req.UploadID),
		zap.Int("chunk_count", req.ChunkCount))

	encoded, err := s.assemble(ctx, ns, req.FileName, req.ChunkCount)
	if err != nil {
		metrics.RecordFinalize("parts_error", time.Since(start))
		return nil, err
	}

	if actual := checksum(encoded); actual != req.Checksum {
		metrics.RecordFinalize("checksum_mismatch", time.Since(start))
		log.Warn("upload rejected: checksum mismatch", zap.String("expected", req.Checksum), zap.String("actual", actual))
		s.publish(events.Event{Type: events.EventRejected, OwnerID: caller.ID, UploadID: req.UploadID,
			FileName: req.FileName, Reason: "checksum_mismatch"})
		return nil, &ChecksumMismatchError{Expected: req.Checksum, Actual: actual}
	}

	data, declared, err := decodeDataURI(encoded)
	if err != nil {
		metrics.RecordFinalize("invalid_payload", time.Since(start))
		return nil, err
	}
	ctype := contentType(declared, data)

	staging := stagingKey(ns, req.FileName)
	if err := s.durable.PutObject(ctx, staging, bytes.NewReader(data), int64(len(data))); err != nil {
		metrics.RecordFinalize("storage_error", time.Since(start))
		return nil, fmt.Errorf("%w: stage %s: %v", ErrBackendUnavailable, staging, err)
	}
	// The staged object is dropped whatever the outcome from here on.
	defer s.discardStaging(ctx, staging)

	rc, size, err := s.durable.GetObject(ctx, staging)
	if err != nil {
		metrics.RecordFinalize("storage_error", time.Since(start))
		return nil, fmt.Errorf("%w: reopen %s: %v", ErrBackendUnavailable, staging, err)
	}
	defer rc.Close()

	if s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize {
		metrics.RecordFinalize("too_large", time.Since(start))
		log.Warn("upload rejected: too large", zap.Int64("size", size), zap.Int64("limit", s.cfg.MaxFileSize))
		s.publish(events.Event{Type: events.EventRejected, OwnerID: caller.ID, UploadID: req.UploadID,
			FileName: req.FileName, Size: size, Reason: "too_large"})
		return nil, &PayloadTooLargeError{Size: size, Limit: s.cfg.MaxFileSize}
	}

	rec, err := s.files.Create(ctx, content.CreateParams{
		Name:        req.FileName,
		OwnerID:     caller.ID,
		ContentType: ctype,
		Description: req.Description,
		Body:        rc,
		Size:        size,
	})
	if err != nil {
		metrics.RecordFinalize("storage_error", time.Since(start))
		return nil, fmt.Errorf("%w: commit %s: %v", ErrBackendUnavailable, req.FileName, err)
	}

	// The session is closed before its parts go, so a failed cleanup can
	// never let the same parts commit twice.
	if sess != nil {
		if err := s.sessions.MarkDone(context.WithoutCancel(ctx), sess.ID, rec.ID, req.Checksum); err != nil {
			log.Error("failed to close upload session", zap.Error(err))
		}
	}
	s.cleanupParts(ctx, ns, req.FileName, req.ChunkCount)

	metrics.RecordFinalize("committed", time.Since(start))
	metrics.RecordCommit(rec.Size)
	log.Info("upload committed",
		zap.String("file_id", rec.ID),
		zap.Int64("size", rec.Size),
		zap.String("content_type", rec.ContentType),
		zap.Duration("duration", time.Since(start)))

	s.publish(events.Event{Type: events.EventCommitted, OwnerID: caller.ID, UploadID: req.UploadID,
		FileName: rec.Name, FileID: rec.ID, URL: rec.URL, Size: rec.Size})

	return &FinalizeResult{URL: rec.URL, FileID: rec.ID, FileName: rec.Name, Size: rec.Size}, nil
}

// committed answers a finalize for a session that has already committed.
// A repeat of the committing request gets the same result back; anything
// else finds no parts.
func (s *Service) committed(ctx context.Context, sess *Session, req FinalizeRequest) (*FinalizeResult, error) {
	if sess.FileID == "" || sess.Checksum != req.Checksum {
		return nil, fmt.Errorf("%w: upload %s already committed", ErrPartsNotFound, sess.ID)
	}
	rec, err := s.files.Get(ctx, sess.FileID)
	if errors.Is(err, content.ErrNotFound) {
		return nil, fmt.Errorf("%w: upload %s already committed", ErrPartsNotFound, sess.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrBackendUnavailable, sess.FileID, err)
	}
	logging.WithContext(ctx).Info("finalize replayed",
		zap.String("upload_id", sess.ID), zap.String("file_id", rec.ID))
	return &FinalizeResult{URL: rec.URL, FileID: rec.ID, FileName: rec.Name, Size: rec.Size}, nil
}

// assemble concatenates parts 0..count-1 without consuming them.
func (s *Service) assemble(ctx context.Context, ns, fileName string, count int) (string, error) {
	var b strings.Builder
	for i := 0; i < count; i++ {
		key := partKey(ns, fileName, i)
		rc, _, err := s.chunks.GetObject(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: part %d of %s", ErrPartsNotFound, i, fileName)
		}
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, key, err)
		}
		_, err = io.Copy(&b, rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, key, err)
		}
	}
	return b.String(), nil
}

// cleanupParts removes committed parts. Failures are logged; the commit
// already happened.
func (s *Service) cleanupParts(ctx context.Context, ns, fileName string, count int) {
	ctx, cancel := s.storageContext(context.WithoutCancel(ctx))
	defer cancel()
	for i := 0; i < count; i++ {
		key := partKey(ns, fileName, i)
		if err := s.chunks.DeleteObject(ctx, key); err != nil {
			logging.WithContext(ctx).Warn("failed to delete chunk part", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *Service) discardStaging(ctx context.Context, key string) {
	ctx, cancel := s.storageContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.durable.DeleteObject(ctx, key); err != nil {
		logging.WithContext(ctx).Warn("failed to delete staging object", zap.String("key", key), zap.Error(err))
	}
}

// Status reports a session and its received chunk indices.
type Status struct {
	UploadID string `json:"upload_id"`
	FileName string `json:"file_name"`
	Status   string `json:"status"`
	Received []int  `json:"received"`
}

// Status returns the progress of a session owned by the caller.
func (s *Service) Status(ctx context.Context, caller Caller, uploadID string) (*Status, error) {
	sess, err := s.resolveSession(ctx, caller, uploadID, "")
	if err != nil {
		return nil, err
	}
	received, err := s.sessions.ReceivedChunks(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Status{
		UploadID: sess.ID,
		FileName: sess.FileName,
		Status:   sess.Status(time.Now()),
		Received: received,
	}, nil
}

// Abort deletes a session's recorded parts, receipts and the session.
func (s *Service) Abort(ctx context.Context, caller Caller, uploadID string) error {
	sess, err := s.resolveSession(ctx, caller, uploadID, "")
	if err != nil {
		return err
	}

	unlock, err := s.locks.Acquire(ctx, namespace(sess.ID)+sess.FileName)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.purge(ctx, sess); err != nil {
		return err
	}
	logging.WithContext(ctx).Info("upload aborted", zap.String("upload_id", sess.ID), zap.String("file_name", sess.FileName))
	s.publish(events.Event{Type: events.EventAborted, OwnerID: sess.OwnerID, UploadID: sess.ID, FileName: sess.FileName})
	return nil
}

// purge removes the parts recorded for sess, then its rows.
func (s *Service) purge(ctx context.Context, sess *Session) error {
	received, err := s.sessions.ReceivedChunks(ctx, sess.ID)
	if err != nil {
		return err
	}
	ns := namespace(sess.ID)
	for _, idx := range received {
		key := partKey(ns, sess.FileName, idx)
		if err := s.chunks.DeleteObject(ctx, key); err != nil {
			return fmt.Errorf("%w: delete %s: %v", ErrBackendUnavailable, key, err)
		}
	}
	return s.sessions.Delete(ctx, sess.ID)
}

// resolveSession loads a session and checks the caller may use it. A
// non-empty fileName must match the session's.
func (s *Service) resolveSession(ctx context.Context, caller Caller, uploadID, fileName string) (*Session, error) {
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != caller.ID && !caller.IsAdmin {
		return nil, ErrSessionForbidden
	}
	if fileName != "" && sess.FileName != fileName {
		return nil, invalid("file_name %q does not match upload %s", fileName, uploadID)
	}
	return sess, nil
}

func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.StorageTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
