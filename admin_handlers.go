package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agency/models"
	"agency/pkg/cache"
)

const auditionListCacheTTL = 30 * time.Second

// listAuditionsHandler serves the admin review queue, optionally filtered by
// ?status=. Results are cached briefly; every mutation invalidates.
func (s *Server) listAuditionsHandler(c *gin.Context) {
	status := c.Query("status")
	key := cache.AdminAuditionsKey(status)
	if cached, ok, err := s.cache.Get(c.Request.Context(), key); err == nil && ok {
		c.Data(http.StatusOK, "application/json", []byte(cached))
		return
	}
	subs, err := s.subs.ListByStatus(c.Request.Context(), status, 200)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	payload, err := json.Marshal(subs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
		return
	}
	if err := s.cache.Set(c.Request.Context(), key, string(payload), auditionListCacheTTL); err != nil {
		log.Printf("cache set %s: %v", key, err)
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// invalidateAuditionsCache drops every variant of the admin list key.
func (s *Server) invalidateAuditionsCache(c *gin.Context) {
	keys := []string{
		cache.AdminAuditionsKey(""),
		cache.AdminAuditionsKey(models.SubmissionPendingReview),
		cache.AdminAuditionsKey(models.SubmissionApproved),
		cache.AdminAuditionsKey(models.SubmissionRejected),
	}
	if err := s.cache.Delete(c.Request.Context(), keys...); err != nil {
		log.Printf("cache invalidation: %v", err)
	}
}

func (s *Server) reviewAuditionHandler(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := bindStrict(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": err.Error()})
		return
	}
	switch req.Status {
	case models.SubmissionApproved, models.SubmissionRejected:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_ARGUMENT", "detail": "status must be APPROVED or REJECTED"})
		return
	}
	id := c.Param("id")
	if err := s.subs.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		writeIngestError(c, err)
		return
	}
	s.invalidateAuditionsCache(c)
	c.JSON(http.StatusOK, gin.H{"submission_id": id, "status": req.Status})
}

// deleteAuditionHandler soft-deletes a submission; the janitor reclaims the
// chunks, the upload record and the submission row after retention.
func (s *Server) deleteAuditionHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.subs.Get(c.Request.Context(), id); err != nil {
		writeIngestError(c, err)
		return
	}
	if err := s.subs.SetStatus(c.Request.Context(), id, models.SubmissionDeleted); err != nil {
		writeIngestError(c, err)
		return
	}
	s.invalidateAuditionsCache(c)
	c.JSON(http.StatusOK, gin.H{"state": "DELETED"})
}

// streamAuditionHandler serves the assembled video with single-range
// support: no Range header yields a full 200, a single bytes range yields
// 206 with Content-Range.
func (s *Server) streamAuditionHandler(c *gin.Context) {
	id := c.Param("id")

	sub, err := s.subs.Get(c.Request.Context(), id)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	if sub.Status == models.SubmissionDeleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
		return
	}

	var start, end int64 = 0, 0 // end 0 means "to the end"
	partial := false
	if h := c.GetHeader("Range"); h != "" {
		var ok bool
		start, end, ok = parseRange(h, sub.AssembledSize)
		if !ok {
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", sub.AssembledSize))
			c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": "RANGE_NOT_SATISFIABLE"})
			return
		}
		partial = true
	}

	stream, err := s.playback.OpenRange(c.Request.Context(), id, start, end)
	if err != nil {
		writeIngestError(c, err)
		return
	}
	defer stream.Close()

	contentType := stream.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Accept-Ranges", "bytes")
	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", stream.Start, stream.End-1, stream.TotalSize))
	}
	c.Header("Content-Length", strconv.FormatInt(stream.Length(), 10))
	c.Header("Content-Type", contentType)
	c.Status(status)
	// a client disconnect mid-copy has no server-side side effects
	if _, err := io.Copy(c.Writer, stream); err != nil {
		log.Printf("stream %s: client copy aborted: %v", id, err)
	}
}

// parseRange parses a single-range "bytes=a-b" header into [start, end).
// Multi-range requests are not supported.
func parseRange(h string, total int64) (int64, int64, bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(h, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > total {
			n = total
		}
		return total - n, total, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false
	}
	if endStr == "" {
		return start, total, true
	}
	last, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || last < start {
		return 0, 0, false
	}
	if last >= total {
		last = total - 1
	}
	return start, last + 1, true
}
