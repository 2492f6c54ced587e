package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Tools names the external commands used for recognition.
type Tools struct {
	OCRPath    string
	Lang       string
	RasterPath string
	DPI        int
}

// Recognize returns the text of one upload. PDFs are rasterized first and each
// page is recognized on its own.
func Recognize(ctx context.Context, tools Tools, inputPath, mimeType string, onLine LineCallback) (string, error) {
	if mimeType == "application/pdf" {
		return RecognizePDF(ctx, tools, inputPath, onLine)
	}
	return Run(ctx, tools.OCRPath, tools.Lang, inputPath, onLine)
}

// RecognizePDF renders every page with a pdftoppm-compatible CLI as
// `<raster> -r <dpi> -png <input> <prefix>`, recognizes the pages in order and
// joins their text with a blank line.
func RecognizePDF(ctx context.Context, tools Tools, inputPath string, onLine LineCallback) (string, error) {
	dir, err := os.MkdirTemp("", "ocrstub-pages-")
	if err != nil {
		return "", fmt.Errorf("page dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pages, err := rasterize(ctx, tools, inputPath, dir)
	if err != nil {
		return "", err
	}

	texts := make([]string, 0, len(pages))
	for i, page := range pages {
		text, err := Run(ctx, tools.OCRPath, tools.Lang, page, onLine)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i+1, err)
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n\n"), nil
}

func rasterize(ctx context.Context, tools Tools, inputPath, dir string) ([]string, error) {
	dpi := tools.DPI
	if dpi <= 0 {
		dpi = 300
	}
	cmd := exec.CommandContext(ctx, tools.RasterPath, "-r", strconv.Itoa(dpi), "-png", inputPath, filepath.Join(dir, "page"))
	cmd.Env = filteredEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return nil, fmt.Errorf("rasterize pdf: %w", err)
		}
		return nil, fmt.Errorf("rasterize pdf: %w: %s", err, detail)
	}

	pages, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("rasterize pdf: no pages produced")
	}
	// Page numbers are zero-padded by pdftoppm, but not by every compatible tool.
	slices.SortFunc(pages, func(a, b string) int {
		return pageNumber(a) - pageNumber(b)
	})
	return pages, nil
}

// pageNumber parses N from ".../page-N.png"; unparsable names sort first.
func pageNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), ".png")
	_, num, _ := strings.Cut(name, "-")
	n, err := strconv.Atoi(num)
	if err != nil {
		return -1
	}
	return n
}
