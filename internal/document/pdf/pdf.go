// Package pdf provides the PDF engines for the document pipeline: page counting with
// pdfcpu, text-layer rendering with poppler's pdftotext and page rasterization with
// ImageMagick through document-context.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JaimeStill/document-context/pkg/config"
	dcdoc "github.com/JaimeStill/document-context/pkg/document"
	"github.com/JaimeStill/document-context/pkg/image"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/torwi-dev/juscash/internal/document"
)

const (
	defaultTextBinary = "pdftotext"
	defaultDPI        = 300
	sourcePDF         = "source.pdf"
)

// PageCount returns the number of pages in doc.
func PageCount(doc []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(doc), nil)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return n, nil
}

// TextRenderer implements document.TextRenderer.
type TextRenderer struct {
	binary  string
	tempDir string
}

// NewTextRenderer builds a renderer that shells out to binary (default pdftotext).
func NewTextRenderer(binary, tempDir string) *TextRenderer {
	if binary == "" {
		binary = defaultTextBinary
	}
	return &TextRenderer{binary: binary, tempDir: tempDir}
}

// PageCount returns the number of pages in doc.
func (r *TextRenderer) PageCount(_ context.Context, doc []byte) (int, error) {
	return PageCount(doc)
}

// RenderText returns the text layer of the 1-based page, keeping the physical layout.
func (r *TextRenderer) RenderText(ctx context.Context, doc []byte, page int) (string, error) {
	dir, path, err := writeSource(r.tempDir, doc)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir) //nolint:errcheck // best-effort temp cleanup

	n := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, r.binary, "-f", n, "-l", n, "-layout", "-enc", "UTF-8", path, "-")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s page %d: %w: %s", r.binary, page, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Rasterizer implements document.Rasterizer.
type Rasterizer struct {
	dpi     int
	tempDir string
}

// NewRasterizer builds a rasterizer rendering pages at dpi (default 300).
func NewRasterizer(dpi int, tempDir string) *Rasterizer {
	if dpi <= 0 {
		dpi = defaultDPI
	}
	return &Rasterizer{dpi: dpi, tempDir: tempDir}
}

// Open stages doc on disk and prepares a renderer for its pages.
func (r *Rasterizer) Open(_ context.Context, doc []byte) (document.RasterDocument, error) {
	pages, err := PageCount(doc)
	if err != nil {
		return nil, err
	}
	dir, path, err := writeSource(r.tempDir, doc)
	if err != nil {
		return nil, err
	}

	pdfDoc, err := dcdoc.OpenPDF(path)
	if err != nil {
		_ = os.RemoveAll(dir) //nolint:errcheck // best-effort temp cleanup
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	renderer, err := image.NewImageMagickRenderer(config.ImageConfig{
		Format:  "png",
		DPI:     r.dpi,
		Options: map[string]any{"background": "white"},
	})
	if err != nil {
		pdfDoc.Close()
		_ = os.RemoveAll(dir) //nolint:errcheck // best-effort temp cleanup
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	return &rasterDocument{
		pages: pages,
		render: func(page int) ([]byte, error) {
			p, err := pdfDoc.ExtractPage(page)
			if err != nil {
				return nil, fmt.Errorf("extract page %d: %w", page, err)
			}
			data, err := p.ToImage(renderer, nil)
			if err != nil {
				return nil, fmt.Errorf("render page %d: %w", page, err)
			}
			return data, nil
		},
		close: func() error {
			pdfDoc.Close()
			return os.RemoveAll(dir)
		},
	}, nil
}

type rasterDocument struct {
	pages  int
	render func(page int) ([]byte, error)
	close  func() error
}

func (d *rasterDocument) PageCount() int { return d.pages }

func (d *rasterDocument) Rasterize(ctx context.Context, page int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 1 || page > d.pages {
		return nil, fmt.Errorf("page %d out of range 1..%d", page, d.pages)
	}
	return d.render(page)
}

func (d *rasterDocument) Close() error { return d.close() }

func writeSource(tempDir string, doc []byte) (string, string, error) {
	dir, err := os.MkdirTemp(tempDir, "juscash-pdf-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(dir, sourcePDF)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		_ = os.RemoveAll(dir) //nolint:errcheck // best-effort temp cleanup
		return "", "", fmt.Errorf("write temp pdf: %w", err)
	}
	return dir, path, nil
}
