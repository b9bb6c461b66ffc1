// Package ingest turns uploaded files into bounded text chunks with source
// metadata, the only shape the collection store consumes. CSV rows become
// one document per row, PDFs are reduced to their plain text, and everything
// else is treated as text.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxChunkSize bounds chunk length in characters.
const maxChunkSize = 500

// ErrUnsupportedType is returned for file types the chunker cannot process.
var ErrUnsupportedType = errors.New("unsupported file type")

// Chunk is a bounded unit of source text, the unit of retrieval.
type Chunk struct {
	Text     string
	Source   string // originating file name
	Filetype string // extension without the dot
}

// File chunks a single uploaded file by extension.
func File(name string, data []byte) ([]Chunk, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "csv":
		return fromCSV(name, data)
	case "pdf":
		return fromPDF(name, data)
	case "txt", "md", "text":
		return fromText(name, ext, string(data)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
}

// fromCSV renders each data row as "column: value" pairs, one document per
// row, then splits oversized rows.
func fromCSV(name string, data []byte) ([]Chunk, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	var chunks []Chunk
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}

		pairs := make([]string, 0, len(row))
		for i, val := range row {
			col := fmt.Sprintf("col%d", i+1)
			if i < len(header) {
				col = header[i]
			}
			pairs = append(pairs, col+": "+val)
		}
		for _, part := range Split(strings.Join(pairs, ", "), maxChunkSize) {
			chunks = append(chunks, Chunk{Text: part, Source: name, Filetype: "csv"})
		}
	}
	return chunks, nil
}

// fromPDF extracts the document's plain text and splits it.
func fromPDF(name string, data []byte) ([]Chunk, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}

	textReader, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting PDF text: %w", err)
	}
	text, err := io.ReadAll(textReader)
	if err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}

	return fromText(name, "pdf", string(text)), nil
}

func fromText(name, filetype, text string) []Chunk {
	var chunks []Chunk
	for _, part := range Split(text, maxChunkSize) {
		chunks = append(chunks, Chunk{Text: part, Source: name, Filetype: filetype})
	}
	return chunks
}

// Split breaks text into pieces of at most limit characters, preferring
// paragraph boundaries, then sentence boundaries, then a hard cut.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= limit {
			out = append(out, para)
			continue
		}
		out = append(out, splitSentences(para, limit)...)
	}
	return out
}

// splitSentences packs sentence-ish segments into limit-sized pieces,
// hard-cutting any single segment that is itself too long.
func splitSentences(text string, limit int) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, seg := range splitAfter(text, ". ") {
		if len(seg) > limit {
			flush()
			for len(seg) > limit {
				out = append(out, strings.TrimSpace(seg[:limit]))
				seg = seg[limit:]
			}
			if s := strings.TrimSpace(seg); s != "" {
				cur.WriteString(s)
			}
			continue
		}
		if cur.Len()+len(seg) > limit {
			flush()
		}
		cur.WriteString(seg)
	}
	flush()
	return out
}

// splitAfter splits text on sep, keeping sep attached to the preceding piece.
func splitAfter(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	// SplitAfter can produce a trailing empty string.
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	return parts
}
