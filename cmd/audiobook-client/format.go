package main

import (
	"fmt"
	"strings"
	"time"
)

const (
	kilobyte = 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024

	secondsInMinute = 60
	secondsInHour   = 3600

	invalidCharReplacement = "_"
	maxFileNameRunes       = 120
)

var fileNameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
)

// formatDuration renders whole seconds as "45s", "5m 30s" or "1h 15m".
func formatDuration(seconds int) string {
	switch {
	case seconds < secondsInMinute:
		return fmt.Sprintf("%ds", seconds)
	case seconds < secondsInHour:
		return fmt.Sprintf("%dm %ds", seconds/secondsInMinute, seconds%secondsInMinute)
	default:
		return fmt.Sprintf("%dh %dm", seconds/secondsInHour, seconds%secondsInHour/secondsInMinute)
	}
}

// formatFileSize renders a byte count with a binary unit.
func formatFileSize(size int64) string {
	switch {
	case size >= gigabyte:
		return fmt.Sprintf("%.1f GB", float64(size)/gigabyte)
	case size >= megabyte:
		return fmt.Sprintf("%.1f MB", float64(size)/megabyte)
	case size >= kilobyte:
		return fmt.Sprintf("%.1f KB", float64(size)/kilobyte)
	default:
		return fmt.Sprintf("%d B", size)
	}
}

// sanitizeFileName replaces characters that are invalid on common filesystems and caps the length.
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(fileNameReplacer.Replace(name))

	runes := []rune(name)
	if len(runes) > maxFileNameRunes {
		name = strings.TrimSpace(string(runes[:maxFileNameRunes]))
	}

	if name == "" || name == "." || name == ".." {
		return invalidCharReplacement
	}

	return name
}

// chapterFileName names a downloaded chapter so files sort in reading order.
func chapterFileName(number int, title string) string {
	return fmt.Sprintf("%03d - %s.mp3", number, sanitizeFileName(title))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return t.Local().Format("2006-01-02 15:04")
}
