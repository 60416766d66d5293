package render

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// PdfToText extracts text using the pdftotext CLI tool, feeding the
// document on stdin.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText runs pdftotext -layout and returns stdout. A missing binary
// is reported as ErrUnavailable.
func (p *PdfToText) ExtractText(ctx context.Context, data []byte) (string, error) {
	if _, err := exec.LookPath(p.binPath); err != nil {
		return "", eris.Wrapf(ErrUnavailable, "render: pdftotext not found at %s", p.binPath)
	}

	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-", "-")
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "render: pdftotext failed: %s", stderr.String())
	}

	return stdout.String(), nil
}
