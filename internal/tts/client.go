// Package tts turns chapter text into MP3 audio through a standalone speech service.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMPEG   = "audio/mpeg"
)

// Default values.
const (
	defaultTemperature = 0.75
	defaultLanguage    = "en"
	maxErrorBodyBytes  = 4096
)

const (
	errFmtServiceErrorWithCode = "%w (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "%w: %s, body: %s"
)

var (
	// ErrTextEmpty indicates a request without text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrUnexpectedContentType indicates the service answered with something other than MP3 audio.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrEmptyAudio indicates the service answered with no audio bytes.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrServiceStatus indicates the service answered with a non-OK status.
	ErrServiceStatus = errors.New("TTS service error")
)

// HTTPClient talks to the speech service over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// Request is the JSON payload of a speech generation call.
type Request struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
}

// ErrorResponse is the structured error body returned by the speech service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL (e.g. "http://localhost:8000").
// The timeout applies to every request made by this client; zero means no client timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateSpeech sends one generation request and returns the MP3 bytes.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}

	if req.Language == "" {
		req.Language = defaultLanguage
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeMPEG)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(contentType, contentTypeMPEG) {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedContentType, contentTypeMPEG, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the speech service is running.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrServiceStatus, resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			ErrServiceStatus, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, ErrServiceStatus, resp.Status, strings.TrimSpace(string(body)))
}
