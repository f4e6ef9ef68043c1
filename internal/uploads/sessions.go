package uploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ardzix/masjid-display-service/internal/metadata"
)

// Session is an upload session issued by Begin.
type Session struct {
	ID          string     `json:"upload_id"`
	OwnerID     string     `json:"owner_id"`
	FileName    string     `json:"file_name"`
	Folder      string     `json:"folder,omitempty"`
	IsDone      bool       `json:"is_done"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// FileID and Checksum are set when the session commits.
	FileID   string `json:"file_id,omitempty"`
	Checksum string `json:"-"`
}

// Status returns "completed", "expired" or "active".
func (s *Session) Status(now time.Time) string {
	switch {
	case s.IsDone:
		return "completed"
	case now.After(s.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

// SessionStore persists sessions and chunk receipts.
type SessionStore struct {
	db     *metadata.Store
	expiry time.Duration
	now    func() time.Time
}

// NewSessionStore creates a session store. Open sessions expire after
// expiry unless refreshed by another Begin.
func NewSessionStore(db *metadata.Store, expiry time.Duration) *SessionStore {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &SessionStore{
		db:     db,
		expiry: expiry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const sessionColumns = `id, owner_id, file_name, folder, is_done, created_at, expires_at, completed_at, file_id, checksum`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var completed sql.NullTime
	var fileID sql.NullString
	if err := row.Scan(&s.ID, &s.OwnerID, &s.FileName, &s.Folder, &s.IsDone,
		&s.CreatedAt, &s.ExpiresAt, &completed, &fileID, &s.Checksum); err != nil {
		return nil, err
	}
	s.FileID = fileID.String
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

// GetOrCreate returns the open session for (owner, fileName), creating one
// if none exists. created reports whether a new row was inserted. An
// existing session has its expiry pushed forward.
func (st *SessionStore) GetOrCreate(ctx context.Context, ownerID, fileName, folder string) (*Session, bool, error) {
	now := st.now()

	s, err := st.findOpen(ctx, ownerID, fileName)
	if err != nil {
		return nil, false, err
	}
	if s != nil {
		s.ExpiresAt = now.Add(st.expiry)
		if _, err := st.db.Exec(ctx, "touch_session",
			`UPDATE upload_sessions SET expires_at = $1 WHERE id = $2`, s.ExpiresAt, s.ID); err != nil {
			return nil, false, fmt.Errorf("refresh session %s: %w", s.ID, err)
		}
		return s, false, nil
	}

	s = &Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		FileName:  fileName,
		Folder:    folder,
		CreatedAt: now,
		ExpiresAt: now.Add(st.expiry),
	}
	_, err = st.db.Exec(ctx, "insert_session",
		`INSERT INTO upload_sessions (id, owner_id, file_name, folder, is_done, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.OwnerID, s.FileName, s.Folder, false, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		// A concurrent Begin may have won the unique index.
		existing, findErr := st.findOpen(ctx, ownerID, fileName)
		if findErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	return s, true, nil
}

func (st *SessionStore) findOpen(ctx context.Context, ownerID, fileName string) (*Session, error) {
	s, err := scanSession(st.db.QueryRow(ctx, "find_open_session",
		`SELECT `+sessionColumns+` FROM upload_sessions
		 WHERE owner_id = $1 AND file_name = $2 AND is_done = $3`, ownerID, fileName, false))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return s, nil
}

// Get loads a session by id.
func (st *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSessionNotFound
	}
	s, err := scanSession(st.db.QueryRow(ctx, "get_session",
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// RecordChunk upserts the receipt for one chunk index.
func (st *SessionStore) RecordChunk(ctx context.Context, id string, index int, size int64) error {
	_, err := st.db.Exec(ctx, "record_chunk",
		`INSERT INTO upload_chunks (upload_id, chunk_index, size, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (upload_id, chunk_index) DO UPDATE SET size = excluded.size, received_at = excluded.received_at`,
		id, index, size, st.now())
	if err != nil {
		return fmt.Errorf("record chunk %d of %s: %w", index, id, err)
	}
	return nil
}

// ReceivedChunks returns the recorded chunk indices in ascending order.
func (st *SessionStore) ReceivedChunks(ctx context.Context, id string) ([]int, error) {
	rows, err := st.db.Query(ctx, "received_chunks",
		`SELECT chunk_index FROM upload_chunks WHERE upload_id = $1 ORDER BY chunk_index`, id)
	if err != nil {
		return nil, fmt.Errorf("query chunks of %s: %w", id, err)
	}
	defer rows.Close()

	received := []int{}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan chunk index: %w", err)
		}
		received = append(received, idx)
	}
	return received, rows.Err()
}

// MarkDone closes a session after a committed finalize, recording the
// content record and checksum it committed, and drops its receipts.
func (st *SessionStore) MarkDone(ctx context.Context, id, fileID, checksum string) error {
	if _, err := st.db.Exec(ctx, "delete_chunks",
		`DELETE FROM upload_chunks WHERE upload_id = $1`, id); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	if _, err := st.db.Exec(ctx, "complete_session",
		`UPDATE upload_sessions SET is_done = $1, completed_at = $2, file_id = $3, checksum = $4 WHERE id = $5`,
		true, st.now(), fileID, checksum, id); err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	return nil
}

// Delete removes a session and its receipts.
func (st *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := st.db.Exec(ctx, "delete_chunks",
		`DELETE FROM upload_chunks WHERE upload_id = $1`, id); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", id, err)
	}
	if _, err := st.db.Exec(ctx, "delete_session",
		`DELETE FROM upload_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Expired lists open sessions whose expiry lies before now.
func (st *SessionStore) Expired(ctx context.Context) ([]*Session, error) {
	rows, err := st.db.Query(ctx, "expired_sessions",
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE is_done = $1 AND expires_at < $2`,
		false, st.now())
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
