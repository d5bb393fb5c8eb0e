package ai

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// buildPDF assembles a single-page PDF whose content stream shows text with
// Helvetica, computing the cross-reference offsets.
func buildPDF(text string) []byte {
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractPDFText(t *testing.T) {
	text, pages, err := ExtractPDFText(buildPDF("CRISPR screening of kinase genes"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if pages != 1 {
		t.Fatalf("pages = %d, want 1", pages)
	}
	if !strings.Contains(text, "CRISPR") || !strings.Contains(text, "kinase") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractPDFTextRejectsNonPDF(t *testing.T) {
	if _, _, err := ExtractPDFText([]byte("definitely not a pdf")); err == nil {
		t.Fatalf("expected error for non-pdf bytes")
	}
}

func TestExtractPDFTextWithoutTextLayer(t *testing.T) {
	_, _, err := ExtractPDFText(buildPDF(""))
	if !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  line one\n\n\tline\x00two  ")
	if got != "line one line two" {
		t.Fatalf("normalizeText = %q", got)
	}
}

func TestChunkWords(t *testing.T) {
	words := make([]string, 250)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	chunks := ChunkWords(strings.Join(words, " "), 100)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if n := len(strings.Fields(chunks[2])); n != 50 {
		t.Fatalf("last chunk has %d words, want 50", n)
	}
	if !strings.HasPrefix(chunks[1], "w100 ") {
		t.Fatalf("second chunk starts with %q", chunks[1][:10])
	}
	if ChunkWords("   ", 100) != nil {
		t.Fatalf("expected nil chunks for blank text")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("abcdef", 3); got != "abc..." {
		t.Fatalf("truncateRunes = %q", got)
	}
	if got := truncateRunes("abc", 3); got != "abc" {
		t.Fatalf("truncateRunes kept short text as %q", got)
	}
	if got := truncateRunes("细胞生物学", 2); got != "细胞..." {
		t.Fatalf("truncateRunes split runes: %q", got)
	}
}
