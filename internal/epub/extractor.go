// Package epub extracts ordered chapter text from EPUB containers.
package epub

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	containerPath        = "META-INF/container.xml"
	mediaTypeXHTML       = "application/xhtml+xml"
	mediaTypeHTML        = "text/html"
	defaultMinChars      = 100
	maxDocumentBytes     = 16 << 20
	fallbackTitleFormat  = "Chapter %d"
	errFmtReadDocument   = "failed to read document '%s': %w"
	errFmtMissingPackage = "%w: package document '%s' not found"
)

var (
	// ErrInvalidEPUB indicates the input is not a readable EPUB container.
	ErrInvalidEPUB = errors.New("invalid epub")
	// ErrNoChapters indicates the book contains no chapter with enough text.
	ErrNoChapters = errors.New("no chapters found")
)

type container struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageDocument struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

// Extractor implements core.ChapterExtractor for EPUB 2 and 3 books.
type Extractor struct {
	minChars int
}

// NewExtractor returns an Extractor that drops documents shorter than minChars characters.
func NewExtractor(minChars int) *Extractor {
	if minChars <= 0 {
		minChars = defaultMinChars
	}

	return &Extractor{minChars: minChars}
}

// Extract reads the spine of the book and returns one chapter per text document, in reading order.
func (e *Extractor) Extract(ctx context.Context, source []byte) ([]core.Chapter, error) {
	reader, err := zip.NewReader(bytes.NewReader(source), int64(len(source)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEPUB, err)
	}

	files := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		files[file.Name] = file
	}

	documents, err := readingOrder(files)
	if err != nil {
		return nil, err
	}

	chapters := make([]core.Chapter, 0, len(documents))

	for _, name := range documents {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("chapter extraction interrupted: %w", ctx.Err())
		}

		data, readErr := readFile(files[name])
		if readErr != nil {
			return nil, fmt.Errorf(errFmtReadDocument, name, readErr)
		}

		title, text := documentText(data)
		if len([]rune(text)) < e.minChars {
			continue
		}

		if title == "" {
			title = fmt.Sprintf(fallbackTitleFormat, len(chapters)+1)
		}

		chapters = append(chapters, core.Chapter{Title: title, Text: text})
	}

	if len(chapters) == 0 {
		return nil, ErrNoChapters
	}

	return chapters, nil
}

// readingOrder resolves the spine through container.xml and the package document.
// Archives without a container fall back to every HTML document sorted by name.
func readingOrder(files map[string]*zip.File) ([]string, error) {
	containerFile, ok := files[containerPath]
	if !ok {
		return htmlDocuments(files), nil
	}

	var meta container

	err := decodeXML(containerFile, &meta)
	if err != nil {
		return nil, fmt.Errorf("%w: container.xml: %w", ErrInvalidEPUB, err)
	}

	if len(meta.Rootfiles) == 0 || meta.Rootfiles[0].FullPath == "" {
		return nil, fmt.Errorf("%w: container.xml has no rootfile", ErrInvalidEPUB)
	}

	packagePath := meta.Rootfiles[0].FullPath

	packageFile, ok := files[packagePath]
	if !ok {
		return nil, fmt.Errorf(errFmtMissingPackage, ErrInvalidEPUB, packagePath)
	}

	var pkg packageDocument

	err = decodeXML(packageFile, &pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEPUB, packagePath, err)
	}

	baseDir := path.Dir(packagePath)
	manifest := make(map[string]string, len(pkg.Manifest))

	for _, item := range pkg.Manifest {
		if item.MediaType == mediaTypeXHTML || item.MediaType == mediaTypeHTML {
			manifest[item.ID] = path.Join(baseDir, item.Href)
		}
	}

	documents := make([]string, 0, len(pkg.Spine))

	for _, itemRef := range pkg.Spine {
		if itemRef.Linear == "no" {
			continue
		}

		name, ok := manifest[itemRef.IDRef]
		if !ok {
			continue
		}

		if _, exists := files[name]; exists {
			documents = append(documents, name)
		}
	}

	return documents, nil
}

func htmlDocuments(files map[string]*zip.File) []string {
	documents := []string{}

	for name := range files {
		lower := strings.ToLower(name)
		if strings.HasSuffix(lower, ".xhtml") || strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") {
			documents = append(documents, name)
		}
	}

	sort.Strings(documents)

	return documents
}

func decodeXML(file *zip.File, target any) error {
	data, err := readFile(file)
	if err != nil {
		return err
	}

	return xml.Unmarshal(data, target)
}

func readFile(file *zip.File) ([]byte, error) {
	handle, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open '%s': %w", file.Name, err)
	}
	defer handle.Close()

	data, err := io.ReadAll(io.LimitReader(handle, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s': %w", file.Name, err)
	}

	return data, nil
}
