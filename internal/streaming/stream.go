// Package streaming serves stored audio with HTTP byte-range support.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/objectstore"
)

const (
	rangeUnitPrefix   = "bytes="
	contentTypeMPEG   = "audio/mpeg"
	cacheControlValue = "public, max-age=31536000, immutable"
)

var (
	// ErrNoRange indicates a Range header that does not describe a single byte range.
	// Such headers are ignored and the whole object is served.
	ErrNoRange = errors.New("no usable byte range")
	// ErrUnsatisfiable indicates a range outside the object.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// ByteRange is an inclusive byte interval.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in r.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange interprets a Range header against an object of size bytes.
// Supported forms are "bytes=S-E", "bytes=S-" and "bytes=-N".
func ParseRange(header string, size int64) (ByteRange, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, rangeUnitPrefix) {
		return ByteRange{}, ErrNoRange
	}

	rangeSet := strings.TrimSpace(strings.TrimPrefix(header, rangeUnitPrefix))
	if strings.Contains(rangeSet, ",") {
		return ByteRange{}, ErrNoRange
	}

	startText, endText, found := strings.Cut(rangeSet, "-")
	if !found {
		return ByteRange{}, ErrNoRange
	}

	startText = strings.TrimSpace(startText)
	endText = strings.TrimSpace(endText)

	if startText == "" {
		return suffixRange(endText, size)
	}

	start, err := strconv.ParseInt(startText, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, ErrNoRange
	}

	end := size - 1

	if endText != "" {
		end, err = strconv.ParseInt(endText, 10, 64)
		if err != nil || end < 0 {
			return ByteRange{}, ErrNoRange
		}
	}

	if start >= size || end >= size || start > end {
		return ByteRange{}, fmt.Errorf("%w: %s of %d bytes", ErrUnsatisfiable, rangeSet, size)
	}

	return ByteRange{Start: start, End: end}, nil
}

func suffixRange(lengthText string, size int64) (ByteRange, error) {
	length, err := strconv.ParseInt(lengthText, 10, 64)
	if err != nil || length < 0 {
		return ByteRange{}, ErrNoRange
	}

	if length == 0 || size == 0 {
		return ByteRange{}, fmt.Errorf("%w: last %d of %d bytes", ErrUnsatisfiable, length, size)
	}

	return ByteRange{Start: max(size-length, 0), End: size - 1}, nil
}

// Response is a fully resolved streaming reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Server resolves storage keys to audio responses.
type Server struct {
	objects core.ObjectStore
	logger  *logger.Logger
}

// NewServer creates a streaming server reading from objects.
func NewServer(objects core.ObjectStore, log *logger.Logger) *Server {
	return &Server{objects: objects, logger: log}
}

// Stream returns the reply for key given the request's Range header. A missing object or
// a key the store cannot address yields a 404 response; only store failures are returned
// as errors.
func (s *Server) Stream(ctx context.Context, key, rangeHeader string) (*Response, error) {
	data, err := s.objects.Download(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, objectstore.ErrInvalidKey) {
			return &Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
		}

		return nil, fmt.Errorf("failed to load '%s': %w", key, err)
	}

	size := int64(len(data))
	header := http.Header{}
	header.Set("Content-Type", contentTypeMPEG)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Cache-Control", cacheControlValue)

	if rangeHeader == "" {
		header.Set("Content-Length", strconv.FormatInt(size, 10))

		return &Response{Status: http.StatusOK, Header: header, Body: data}, nil
	}

	byteRange, err := ParseRange(rangeHeader, size)

	switch {
	case errors.Is(err, ErrUnsatisfiable):
		s.logger.Warn("Unsatisfiable range '%s' for '%s' (%d bytes)", rangeHeader, key, size)
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		header.Set("Content-Length", "0")

		return &Response{Status: http.StatusRequestedRangeNotSatisfiable, Header: header}, nil
	case err != nil:
		header.Set("Content-Length", strconv.FormatInt(size, 10))

		return &Response{Status: http.StatusOK, Header: header, Body: data}, nil
	}

	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", byteRange.Start, byteRange.End, size))
	header.Set("Content-Length", strconv.FormatInt(byteRange.Length(), 10))

	return &Response{
		Status: http.StatusPartialContent,
		Header: header,
		Body:   data[byteRange.Start : byteRange.End+1],
	}, nil
}

// Write sends resp to writer. HEAD requests receive the headers only.
func (r *Response) Write(writer http.ResponseWriter, method string) error {
	for name, values := range r.Header {
		for _, value := range values {
			writer.Header().Add(name, value)
		}
	}

	writer.WriteHeader(r.Status)

	if method == http.MethodHead || len(r.Body) == 0 {
		return nil
	}

	_, err := writer.Write(r.Body)
	if err != nil {
		return fmt.Errorf("failed to write response body: %w", err)
	}

	return nil
}
