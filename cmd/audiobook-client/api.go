package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/server"
	"github.com/book-expert/audiobook-service/internal/status"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxErrorBodyBytes     = 4096
)

// ErrAPIStatus indicates the service answered with a non-success status code.
var ErrAPIStatus = errors.New("unexpected API status")

// apiClient talks to the audiobook service HTTP API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &apiClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) submit(ctx context.Context, userID, bookTitle string, epub []byte) (*server.ProcessEpubResponse, error) {
	request := server.ProcessEpubRequest{
		UserID:    userID,
		BookTitle: bookTitle,
		EpubData:  base64.StdEncoding.EncodeToString(epub),
	}

	var response server.ProcessEpubResponse

	err := c.do(ctx, http.MethodPost, "/api/process-epub", request, &response)
	if err != nil {
		return nil, err
	}

	return &response, nil
}

func (c *apiClient) jobStatus(ctx context.Context, jobID string) (*core.JobState, error) {
	var state core.JobState

	err := c.do(ctx, http.MethodGet, "/api/job-status/"+url.PathEscape(jobID), nil, &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (c *apiClient) summary(ctx context.Context) (*status.Summary, error) {
	var summary status.Summary

	err := c.do(ctx, http.MethodGet, "/api/processing-status", nil, &summary)
	if err != nil {
		return nil, err
	}

	return &summary, nil
}

func (c *apiClient) audiobooks(ctx context.Context, userID string) (*server.AudiobookList, error) {
	var list server.AudiobookList

	err := c.do(ctx, http.MethodGet, "/api/audiobooks/"+url.PathEscape(userID), nil, &list)
	if err != nil {
		return nil, err
	}

	return &list, nil
}

func (c *apiClient) details(ctx context.Context, jobID string) (*core.Metadata, error) {
	var metadata core.Metadata

	err := c.do(ctx, http.MethodGet, core.DownloadURL(url.PathEscape(jobID)), nil, &metadata)
	if err != nil {
		return nil, err
	}

	return &metadata, nil
}

func (c *apiClient) scan(ctx context.Context) (*server.ScanResponse, error) {
	var response server.ScanResponse

	err := c.do(ctx, http.MethodPost, "/api/scan-r2", nil, &response)
	if err != nil {
		return nil, err
	}

	return &response, nil
}

func (c *apiClient) health(ctx context.Context) (*server.HealthResponse, error) {
	var response server.HealthResponse

	err := c.do(ctx, http.MethodGet, "/health", nil, &response)
	if err != nil {
		return nil, err
	}

	return &response, nil
}

// fetch downloads the raw bytes served at path, typically a stream URL.
func (c *apiClient) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}

	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var payload struct {
		Error string `json:"error"`
	}

	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%w: %d %s", ErrAPIStatus, resp.StatusCode, payload.Error)
	}

	return fmt.Errorf("%w: %d %s", ErrAPIStatus, resp.StatusCode, strings.TrimSpace(string(data)))
}
