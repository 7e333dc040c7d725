package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	pdfx "github.com/ledongthuc/pdf"

	"github.com/colaisr/research-flow-sub000/pkg/llm"
)

// Ingester splits documents into chunks, embeds them and stores them.
type Ingester struct {
	Store     *SQLStore
	Embedder  llm.Embedder
	ChunkSize int // runes per chunk
	Overlap   int // runes shared by consecutive chunks
	Logger    *slog.Logger
}

// IngestFile adds a text, markdown or PDF file to base and returns the number
// of chunks stored.
func (in *Ingester) IngestFile(ctx context.Context, base, path string) (int, error) {
	var (
		text string
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err = pdfText(path)
	} else {
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return in.IngestText(ctx, base, filepath.Base(path), text)
}

// IngestText chunks and stores raw text.
func (in *Ingester) IngestText(ctx context.Context, base, source, text string) (int, error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunks := Split(text, in.ChunkSize, in.Overlap)
	for i, c := range chunks {
		vec, err := in.Embedder.Embed(ctx, c)
		if err != nil {
			return i, fmt.Errorf("embed chunk %d of %s: %w", i, source, err)
		}
		if _, err := in.Store.Add(ctx, Chunk{Base: base, Source: source, Text: c, Vector: vec}); err != nil {
			return i, err
		}
	}
	logger.Info("ingested document", "base", base, "source", source, "chunks", len(chunks))
	return len(chunks), nil
}

// Split cuts text into chunks of at most size runes, breaking on whitespace
// where possible, with overlap runes repeated between neighbours.
func Split(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(strings.TrimSpace(text))
	var out []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if cut := lastSpace(runes[start:end]); cut > size/2 {
			end = start + cut
		}
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			out = append(out, c)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func lastSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == ' ' || r[i] == '\n' || r[i] == '\t' {
			return i
		}
	}
	return -1
}

func pdfText(path string) (string, error) {
	f, r, err := pdfx.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var out strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		txt, _ := p.GetPlainText(nil)
		if t := strings.TrimSpace(txt); t != "" {
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), nil
}
