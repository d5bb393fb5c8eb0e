package ai

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText is returned when a PDF has no extractable text layer.
var ErrNoText = errors.New("no text extracted from PDF")

// ExtractPDFText returns the normalized text of every readable page and the
// page count. Pages that fail to decode are skipped.
func ExtractPDFText(data []byte) (text string, pages int, err error) {
	defer func() {
		// the pdf reader panics on some malformed cross-reference tables
		if r := recover(); r != nil {
			text, pages, err = "", 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	pages = reader.NumPage()
	parts := make([]string, 0, pages)
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		raw, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if normalized := normalizeText(raw); normalized != "" {
			parts = append(parts, normalized)
		}
	}
	if len(parts) == 0 {
		return "", pages, ErrNoText
	}
	return strings.Join(parts, " "), pages, nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// ChunkWords splits text into consecutive chunks of at most size words.
func ChunkWords(text string, size int) []string {
	if size <= 0 {
		return nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(words)+size-1)/size)
	for start := 0; start < len(words); start += size {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

// truncateRunes keeps the first limit runes and marks the cut with "...".
func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
