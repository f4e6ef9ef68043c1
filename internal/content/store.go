// Package content persists committed uploads: a row in the files table and
// the decoded payload in the durable store under files/<id>/<name>.
package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/metadata"
	"github.com/ardzix/masjid-display-service/internal/storage"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("content record not found")

// Record is a committed file.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	StorageKey  string    `json:"storage_key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Description *string   `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	ObjectType  *string   `json:"object_type,omitempty"`
	ObjectID    *string   `json:"object_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url,omitempty"`
}

// CreateParams describes a new record. Body is streamed into the durable
// store; Size may be -1 when unknown.
type CreateParams struct {
	Name        string
	OwnerID     string
	ContentType string
	Description string
	Body        io.Reader
	Size        int64
}

// Store creates and reads content records.
type Store struct {
	db      *metadata.Store
	durable storage.Backend
	urls    storage.URLResolver
}

// NewStore creates a content store.
func NewStore(db *metadata.Store, durable storage.Backend, urls storage.URLResolver) *Store {
	return &Store{db: db, durable: durable, urls: urls}
}

// StorageKey returns the durable key for a record's payload.
func StorageKey(id, name string) string {
	return "files/" + id + "/" + name
}

// Create stores the payload and inserts the record. If the insert fails the
// payload is removed again.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Record, error) {
	if p.Name == "" || p.OwnerID == "" {
		return nil, fmt.Errorf("name and owner are required")
	}
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}

	rec := &Record{
		ID:          uuid.NewString(),
		Name:        p.Name,
		Size:        p.Size,
		ContentType: p.ContentType,
		OwnerID:     p.OwnerID,
		CreatedAt:   time.Now().UTC(),
	}
	rec.StorageKey = StorageKey(rec.ID, rec.Name)
	if p.Description != "" {
		d := p.Description
		rec.Description = &d
	}

	if err := s.durable.PutObject(ctx, rec.StorageKey, p.Body, p.Size); err != nil {
		return nil, fmt.Errorf("store payload %s: %w", rec.StorageKey, err)
	}
	if rec.Size < 0 {
		rc, size, err := s.durable.GetObject(ctx, rec.StorageKey)
		if err != nil {
			s.discard(rec.StorageKey)
			return nil, fmt.Errorf("stat payload %s: %w", rec.StorageKey, err)
		}
		rc.Close()
		rec.Size = size
	}

	_, err := s.db.Exec(ctx, "insert_file",
		`INSERT INTO files (id, name, storage_key, size, content_type, description, owner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Name, rec.StorageKey, rec.Size, rec.ContentType, rec.Description, rec.OwnerID, rec.CreatedAt)
	if err != nil {
		s.discard(rec.StorageKey)
		return nil, fmt.Errorf("insert file record: %w", err)
	}

	rec.URL, err = s.urls.ObjectURL(ctx, rec.StorageKey)
	if err != nil {
		// The record exists; a URL can be resolved later from Get.
		logging.Warn("resolve file url failed", zap.String("file_id", rec.ID), zap.Error(err))
	}
	return rec, nil
}

func (s *Store) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.durable.DeleteObject(ctx, key); err != nil {
		logging.Warn("failed to remove orphaned payload", zap.String("key", key), zap.Error(err))
	}
}

// Get loads a record by id and resolves its URL.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var rec Record
	var description, objectType, objectID sql.NullString
	err := s.db.QueryRow(ctx, "get_file",
		`SELECT id, name, storage_key, size, content_type, description, owner_id, object_type, object_id, created_at
		 FROM files WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Name, &rec.StorageKey, &rec.Size, &rec.ContentType,
			&description, &rec.OwnerID, &objectType, &objectID, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file %s: %w", id, err)
	}
	rec.Description = nullable(description)
	rec.ObjectType = nullable(objectType)
	rec.ObjectID = nullable(objectID)

	rec.URL, err = s.urls.ObjectURL(ctx, rec.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("resolve url for %s: %w", id, err)
	}
	return &rec, nil
}

// Attach associates a record with a domain object, e.g. ("slider", "42").
func (s *Store) Attach(ctx context.Context, id, objectType, objectID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.Exec(ctx, "attach_file",
		`UPDATE files SET object_type = $1, object_id = $2 WHERE id = $3`, objectType, objectID, id)
	if err != nil {
		return fmt.Errorf("attach file %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
