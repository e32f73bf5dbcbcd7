package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/book-expert/audiobook-service/internal/library"
	"github.com/book-expert/audiobook-service/internal/pipeline"
	"github.com/book-expert/audiobook-service/internal/status"
)

type errorResponse struct {
	Error string `json:"error"`
}

// ProcessEpubRequest is the body of POST /api/process-epub.
type ProcessEpubRequest struct {
	UserID    string `json:"user_id"`
	BookTitle string `json:"book_title"`
	EpubData  string `json:"epub_data"`
}

// ProcessEpubResponse acknowledges an accepted submission.
type ProcessEpubResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Storage string `json:"storage"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	TTS       string `json:"tts"`
	Storage   string `json:"storage"`
	JobState  string `json:"job_state"`
	Timestamp string `json:"timestamp"`
}

// AudiobookList is the body of GET /api/audiobooks/:userId.
type AudiobookList struct {
	Audiobooks []library.Audiobook `json:"audiobooks"`
	Total      int                 `json:"total"`
}

// ScanResponse is the body of POST /api/scan-r2.
type ScanResponse struct {
	Message   string   `json:"message"`
	EpubFiles []string `json:"epub_files"`
}

// Health reports liveness together with the state of the speech service.
func (h *Handler) Health(c *gin.Context) {
	ttsStatus := "not_configured"

	if h.deps.TTSHealth != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer cancel()

		ttsStatus = "available"

		err := h.deps.TTSHealth.HealthCheck(ctx)
		if err != nil {
			h.deps.Logger.Warn("TTS health check failed: %v", err)

			ttsStatus = "unavailable"
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   serviceName,
		TTS:       ttsStatus,
		Storage:   h.deps.StorageName,
		JobState:  h.deps.JobStateName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ListAudiobooks returns a user's completed audiobooks. Store failures yield an empty list.
func (h *Handler) ListAudiobooks(c *gin.Context) {
	userID := c.Param("userId")

	audiobooks, err := h.deps.Library.ListAudiobooks(c.Request.Context(), userID)
	if err != nil {
		h.deps.Logger.Error("Failed to list audiobooks for user %s: %v", userID, err)

		audiobooks = []library.Audiobook{}
	}

	c.JSON(http.StatusOK, AudiobookList{Audiobooks: audiobooks, Total: len(audiobooks)})
}

// DownloadAudiobook returns the metadata and chapter URLs of one audiobook.
func (h *Handler) DownloadAudiobook(c *gin.Context) {
	metadata, err := h.deps.Library.GetAudiobookDetails(c.Request.Context(), c.Param("audiobookId"))
	if err != nil {
		if errors.Is(err, library.ErrAudiobookNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "Audiobook not found"})

			return
		}

		h.deps.Logger.Error("Failed to load audiobook %s: %v", c.Param("audiobookId"), err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, metadata)
}

// ProcessEpub accepts a base64 encoded e-book and starts its conversion.
func (h *Handler) ProcessEpub(c *gin.Context) {
	var req ProcessEpubRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"})

		return
	}

	if req.UserID == "" || req.BookTitle == "" || req.EpubData == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Missing required fields"})

		return
	}

	source, err := decodeBase64(req.EpubData)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid base64 epub_data"})

		return
	}

	jobID, err := h.deps.Jobs.StartJob(c.Request.Context(), req.UserID, req.BookTitle, source)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})

			return
		}

		h.deps.Logger.Error("Failed to start job for user %s: %v", req.UserID, err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, ProcessEpubResponse{
		JobID:   jobID,
		Status:  "processing",
		Message: "EPUB processing started",
		Storage: h.deps.StorageName,
	})
}

// ScanStorage submits every unprocessed e-book found in the object store.
func (h *Handler) ScanStorage(c *gin.Context) {
	if h.deps.Scanner == nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Scanning is not configured"})

		return
	}

	result, err := h.deps.Scanner.Scan(c.Request.Context())
	if err != nil {
		h.deps.Logger.Error("Storage scan failed: %v", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, ScanResponse{
		Message:   fmt.Sprintf("Found %d EPUB files to process", len(result.Found)),
		EpubFiles: result.Found,
	})
}

// ProcessingStatus returns the job counts and the jobs still processing.
func (h *Handler) ProcessingStatus(c *gin.Context) {
	summary, err := h.deps.Status.Summary(c.Request.Context())
	if err != nil {
		h.deps.Logger.Error("Failed to summarize jobs: %v", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, summary)
}

// JobStatus returns the state of one job.
func (h *Handler) JobStatus(c *gin.Context) {
	state, err := h.deps.Status.GetStatus(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, status.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Error: "Job not found"})

			return
		}

		h.deps.Logger.Error("Failed to read job %s: %v", c.Param("jobId"), err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	c.JSON(http.StatusOK, state)
}

// Stream serves stored audio with byte-range support.
func (h *Handler) Stream(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("storageKey"), "/")
	if key == "" {
		c.JSON(http.StatusNotFound, errorResponse{Error: "Audio file not found"})

		return
	}

	response, err := h.deps.Streaming.Stream(c.Request.Context(), key, c.GetHeader("Range"))
	if err != nil {
		h.deps.Logger.Error("Failed to stream '%s': %v", key, err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to load audio"})

		return
	}

	if response.Status == http.StatusNotFound {
		c.JSON(http.StatusNotFound, errorResponse{Error: "Audio file not found"})

		return
	}

	err = response.Write(c.Writer, c.Request.Method)
	if err != nil {
		h.deps.Logger.Warn("Client stopped reading '%s': %v", key, err)
	}
}

func decodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return decoded, nil
	}

	decoded, rawErr := base64.RawStdEncoding.DecodeString(data)
	if rawErr == nil {
		return decoded, nil
	}

	return nil, fmt.Errorf("failed to decode base64: %w", err)
}
