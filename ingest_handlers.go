package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agency/pkg/ingest"
)

// writeIngestError maps the closed domain-error enumeration to HTTP. Anything
// outside the enumeration is a transient store failure: the caller may retry
// with the same inputs.
func writeIngestError(c *gin.Context, err error) {
	var wrongState *ingest.WrongStateError
	var missing *ingest.MissingChunksError
	switch {
	case errors.As(err, &missing):
		c.JSON(http.StatusConflict, gin.H{"error": "NOT_ALL_RECEIVED", "missing": missing.Missing})
	case errors.As(err, &wrongState):
		c.JSON(http.StatusGone, gin.H{"error": "WRONG_STATE", "state": wrongState.State})
	case errors.Is(err, ingest.ErrAlreadyTerminal):
		c.JSON(http.StatusGone, gin.H{"error": "ALREADY_TERMINAL"})
	case errors.Is(err, ingest.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
	case errors.Is(err, ingest.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "NOT_AUTHORIZED"})
	case errors.Is(err, ingest.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": err.Error()})
	case errors.Is(err, ingest.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "QUOTA"})
	case errors.Is(err, ingest.ErrChunkConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "CHUNK_CONTENT_CONFLICT"})
	case errors.Is(err, ingest.ErrSizeMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "SIZE_MISMATCH", "detail": err.Error()})
	case errors.Is(err, ingest.ErrNotComplete):
		c.JSON(http.StatusConflict, gin.H{"error": "NOT_COMPLETE"})
	case errors.Is(err, ingest.ErrRangeNotSatisfiable):
		c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": "RANGE_NOT_SATISFIABLE"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "TRANSIENT", "detail": "store failure, retry"})
	}
}

func (s *Server) uploadInitHandler(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_REQUIRED"})
		return
	}
	var req struct {
		Filename       string `json:"filename"`
		ContentType    string `json:"content_type"`
		TotalSize      int64  `json:"total_size"`
		ExpectedChunks int    `json:"expected_chunks"`
		DisplayName    string `json:"display_name"`
		Contact        string `json:"contact"`
	}
	if err := bindStrict(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": err.Error()})
		return
	}
	res, err := s.ingest.Init(c.Request.Context(), p, ingest.InitRequest{
		FileName:       req.Filename,
		ContentType:    req.ContentType,
		TotalSize:      req.TotalSize,
		ExpectedChunks: req.ExpectedChunks,
		DisplayName:    req.DisplayName,
		Contact:        req.Contact,
	})
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"upload_id":       res.UploadID,
		"submission_id":   res.SubmissionID,
		"chunk_size_hint": res.ChunkSizeHint,
		"expires_at":      res.ExpiresAt,
	})
}

func (s *Server) uploadChunkHandler(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_REQUIRED"})
		return
	}
	uploadID := c.Query("upload_id")
	indexStr := c.Query("chunk_index")
	index, err := strconv.Atoi(indexStr)
	if uploadID == "" || indexStr == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": "upload_id and chunk_index required"})
		return
	}
	data, err := readChunkBody(c, s.cfg.MaxTotalBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": err.Error()})
		return
	}
	if int64(len(data)) > s.cfg.MaxTotalBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": "chunk exceeds the configured size limit"})
		return
	}
	received, total, err := s.ingest.PutChunk(c.Request.Context(), p, uploadID, index, data)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": received, "total": total})
}

// readChunkBody accepts the chunk bytes either as multipart field "chunk" or
// as a raw request body. It reads up to limit+1 bytes so the caller can tell
// an at-limit chunk from an oversized one.
func readChunkBody(c *gin.Context, limit int64) ([]byte, error) {
	if file, err := c.FormFile("chunk"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, limit+1))
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
}

func (s *Server) uploadCompleteHandler(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_REQUIRED"})
		return
	}
	uploadID := c.Query("upload_id")
	if uploadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": "upload_id required"})
		return
	}
	res, err := s.ingest.Complete(c.Request.Context(), p, uploadID)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	s.invalidateAuditionsCache(c)
	c.JSON(http.StatusOK, gin.H{"submission_id": res.SubmissionID, "assembled_size": res.AssembledSize})
}

func (s *Server) uploadAbortHandler(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_REQUIRED"})
		return
	}
	uploadID := c.Query("upload_id")
	if uploadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": "upload_id required"})
		return
	}
	if err := s.ingest.Abort(c.Request.Context(), p, uploadID); err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": "ABORTED"})
}

func (s *Server) myAuditionsHandler(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "AUTH_REQUIRED"})
		return
	}
	subs, err := s.subs.ListByOwner(c.Request.Context(), p.Username, 100)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}
