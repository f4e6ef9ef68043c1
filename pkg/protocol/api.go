// Package protocol defines the API request/response types.
package protocol

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ChunkUploadRequest is the body of POST /api/v1/chunk-upload. Which fields
// are used depends on the mode selected by the query string:
//
//	?is_init=1      file_name, folder
//	(no flag)       file_name, chunk, chunk_no, upload_id
//	?is_checksum=1  file_name, checksum, chunk_count, upload_id, description
type ChunkUploadRequest struct {
	FileName    string  `json:"file_name"`
	Chunk       *string `json:"chunk,omitempty"`
	ChunkNo     *int    `json:"chunk_no,omitempty"`
	Checksum    string  `json:"checksum,omitempty"`
	ChunkCount  int     `json:"chunk_count,omitempty"`
	UploadID    string  `json:"upload_id,omitempty"`
	Folder      string  `json:"folder,omitempty"`
	Description string  `json:"description,omitempty"`
}

// BeginResponse is returned by ?is_init=1.
type BeginResponse struct {
	Created  bool   `json:"created"`
	UploadID string `json:"upload_id"`
}

// TransferResponse is returned for a stored chunk.
type TransferResponse struct {
	ChunkNo int `json:"chunk_no"`
}

// Envelope wraps finalize outcomes. To decode, set Data to a pointer of the
// expected type before unmarshalling.
type Envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Finalize messages.
const (
	MessageUploadSuccess    = "Success upload file"
	MessageUploadFailed     = "Failed upload file"
	MessageChecksumMismatch = "Checksum mismatch"
)

// FinalizeData is the Data of a successful finalize (201).
type FinalizeData struct {
	URL      string `json:"url"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// SizeRejection is the Data of a finalize rejected for size (413).
type SizeRejection struct {
	FileSize    int64 `json:"file_size"`
	AllowedSize int64 `json:"allowed_size"`
}

// ChecksumRejection is the Data of a finalize rejected for checksum (422).
type ChecksumRejection struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// UploadStatusResponse is returned by GET /api/v1/uploads/{uploadId}
type UploadStatusResponse struct {
	UploadID string `json:"upload_id"`
	FileName string `json:"file_name"`
	Status   string `json:"status"`
	Received []int  `json:"received"`
}

// AbortResponse is returned by DELETE /api/v1/uploads/{uploadId}
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// UploadEvent is one data line of GET /api/v1/events.
type UploadEvent struct {
	Type      string `json:"type"`
	OwnerID   string `json:"owner_id"`
	UploadID  string `json:"upload_id,omitempty"`
	FileName  string `json:"file_name"`
	FileID    string `json:"file_id,omitempty"`
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
