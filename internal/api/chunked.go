package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/internal/uploads"
	"github.com/ardzix/masjid-display-service/pkg/protocol"
)

// ─── Chunk Upload ───────────────────────────────────────────────────────────

// handleChunkUpload serves POST /api/v1/chunk-upload. The mode is chosen by
// query flag: is_init opens a session, is_checksum finalizes, and a request
// with neither stores one chunk.
func (s *Server) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		s.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkBytes)
	req, err := decodeChunkUploadRequest(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(tooBig.Limit, 10)+" bytes")
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("is_init") != "":
		s.handleBegin(w, r, caller, req)
	case q.Get("is_checksum") != "":
		s.handleFinalize(w, r, caller, req)
	default:
		s.handleTransfer(w, r, caller, req)
	}
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request, caller uploads.Caller, req *protocol.ChunkUploadRequest) {
	res, err := s.uploads.Begin(r.Context(), caller, uploads.BeginRequest{
		FileName: req.FileName,
		Folder:   req.Folder,
	})
	if err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.BeginResponse{Created: res.Created, UploadID: res.UploadID})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, caller uploads.Caller, req *protocol.ChunkUploadRequest) {
	if req.Chunk == nil || req.ChunkNo == nil {
		s.sendError(w, http.StatusBadRequest, "chunk and chunk_no are required")
		return
	}
	n, err := s.uploads.Transfer(r.Context(), caller, uploads.TransferRequest{
		UploadID: req.UploadID,
		FileName: req.FileName,
		ChunkNo:  *req.ChunkNo,
		Chunk:    *req.Chunk,
	})
	if err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.TransferResponse{ChunkNo: n})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, caller uploads.Caller, req *protocol.ChunkUploadRequest) {
	res, err := s.uploads.Finalize(r.Context(), caller, uploads.FinalizeRequest{
		UploadID:    req.UploadID,
		FileName:    req.FileName,
		ChunkCount:  req.ChunkCount,
		Checksum:    req.Checksum,
		Description: req.Description,
	})
	if err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, protocol.Envelope{
		Message: protocol.MessageUploadSuccess,
		Data: protocol.FinalizeData{
			URL:      res.URL,
			FileID:   res.FileID,
			FileName: res.FileName,
		},
	})
}

// ─── Upload Status / Abort ──────────────────────────────────────────────────

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	st, err := s.uploads.Status(r.Context(), caller, r.PathValue("uploadId"))
	if err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.UploadStatusResponse{
		UploadID: st.UploadID,
		FileName: st.FileName,
		Status:   st.Status,
		Received: st.Received,
	})
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	if err := s.uploads.Abort(r.Context(), caller, r.PathValue("uploadId")); err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.AbortResponse{Aborted: true})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// sendUploadError maps upload errors to HTTP responses. Finalize rejections
// keep the message/data envelope clients already parse.
func (s *Server) sendUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var mismatch *uploads.ChecksumMismatchError
	var tooLarge *uploads.PayloadTooLargeError

	switch {
	case errors.As(err, &mismatch):
		s.sendJSON(w, http.StatusUnprocessableEntity, protocol.Envelope{
			Message: protocol.MessageChecksumMismatch,
			Data:    protocol.ChecksumRejection{Expected: mismatch.Expected, Actual: mismatch.Actual},
		})
	case errors.As(err, &tooLarge):
		s.sendJSON(w, http.StatusRequestEntityTooLarge, protocol.Envelope{
			Message: protocol.MessageUploadFailed,
			Data:    protocol.SizeRejection{FileSize: tooLarge.Size, AllowedSize: tooLarge.Limit},
		})
	case errors.Is(err, uploads.ErrInvalidRequest):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, uploads.ErrPartsNotFound), errors.Is(err, uploads.ErrSessionNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, uploads.ErrSessionForbidden):
		s.sendError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, uploads.ErrSessionClosed):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, uploads.ErrInvalidPayload):
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, uploads.ErrBackendUnavailable):
		logging.WithContext(r.Context()).Error("storage backend unavailable", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		logging.WithContext(r.Context()).Error("upload request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeChunkUploadRequest accepts a JSON body or form fields.
func decodeChunkUploadRequest(r *http.Request) (*protocol.ChunkUploadRequest, error) {
	var req protocol.ChunkUploadRequest
	ct := r.Header.Get("Content-Type")

	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if strings.HasPrefix(ct, "multipart/") {
			if err := r.ParseMultipartForm(32 << 10); err != nil {
				return nil, err
			}
		} else if err := r.ParseForm(); err != nil {
			return nil, err
		}
		req.FileName = r.PostFormValue("file_name")
		req.Checksum = r.PostFormValue("checksum")
		req.UploadID = r.PostFormValue("upload_id")
		req.Folder = r.PostFormValue("folder")
		req.Description = r.PostFormValue("description")
		if _, ok := r.PostForm["chunk"]; ok {
			chunk := r.PostFormValue("chunk")
			req.Chunk = &chunk
		}
		if v := r.PostFormValue("chunk_no"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.New("chunk_no must be an integer")
			}
			req.ChunkNo = &n
		}
		if v := r.PostFormValue("chunk_count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.New("chunk_count must be an integer")
			}
			req.ChunkCount = n
		}
		return &req, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
