// Package pdftool wraps the external PDF utilities the pipeline shells out
// to: pdfinfo for page counts, pdftotext for the embedded text layer and
// pdftoppm for rasterization. All invocations are time-boxed. pdfcpu handles
// in-process validation/optimization of the source before anything else
// touches it.
package pdftool

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

// Runner invokes the external PDF utilities.
type Runner struct {
	PdfinfoPath   string
	PdftotextPath string
	PdftoppmPath  string
	Timeout       time.Duration
}

// NewRunner builds a Runner with a default timeout when none is given.
func NewRunner(pdfinfo, pdftotext, pdftoppm string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{
		PdfinfoPath:   pdfinfo,
		PdftotextPath: pdftotext,
		PdftoppmPath:  pdftoppm,
		Timeout:       timeout,
	}
}

// PageCount runs pdfinfo and parses the "Pages: N" line from its output.
func (r *Runner) PageCount(ctx context.Context, pdfPath string) (int, error) {
	out, err := r.run(ctx, r.PdfinfoPath, pdfPath)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo failed: %w", err)
	}
	return parsePageCount(out)
}

// parsePageCount extracts the "Pages: N" line from pdfinfo output. A
// document must have at least one page.
func parsePageCount(out string) (int, error) {
	m := pagesRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("could not parse page count from pdfinfo output")
	}
	count, err := strconv.Atoi(m[1])
	if err != nil || count <= 0 {
		return 0, fmt.Errorf("invalid page count %q in pdfinfo output", m[1])
	}
	return count, nil
}

// ExtractText runs pdftotext over the whole document and splits its output
// on form-feed into per-page text. The result always has pageCount entries;
// pages past the end of the output get empty text.
func (r *Runner) ExtractText(ctx context.Context, pdfPath string, pageCount int) ([]string, error) {
	out, err := r.run(ctx, r.PdftotextPath, "-layout", pdfPath, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext failed: %w", err)
	}
	chunks := strings.Split(out, "\f")
	pages := make([]string, pageCount)
	for i := 0; i < pageCount && i < len(chunks); i++ {
		pages[i] = chunks[i]
	}
	return pages, nil
}

// RasterizePage renders one 1-based page to a PNG at the given DPI.
// pdftoppm appends the .png extension itself, so outPrefix is the output
// path without the extension.
func (r *Runner) RasterizePage(ctx context.Context, pdfPath string, page, dpi int, outPrefix string) error {
	_, err := r.run(ctx, r.PdftoppmPath,
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-singlefile",
		pdfPath,
		outPrefix,
	)
	if err != nil {
		return fmt.Errorf("pdftoppm failed for page %d: %w", page, err)
	}
	return nil
}

// Optimize validates and rewrites the source PDF in relaxed mode, repairing
// minor structural issues before rasterization sees them.
func (r *Runner) Optimize(ctx context.Context, inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(inPath, outPath, cfg); err != nil {
		return fmt.Errorf("failed to optimize pdf: %w", err)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}
