package render

import (
	"bytes"
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// NativeText flattens PDFs with the pure-Go reader, one page per form feed.
type NativeText struct{}

// ExtractText implements TextExtractor.
func (NativeText) ExtractText(_ context.Context, data []byte) (string, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF")) {
		return "", eris.Wrap(ErrUnavailable, "render: native text: not a pdf")
	}

	var pages []string
	err := safely(func() error {
		r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return err
		}
		for i := 1; i <= r.NumPage(); i++ {
			page := r.Page(i)
			if page.V.IsNull() {
				pages = append(pages, "")
				continue
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				zap.L().Debug("render: skip page", zap.Int("page", i), zap.Error(err))
				pages = append(pages, "")
				continue
			}
			pages = append(pages, strings.TrimSpace(text))
		}
		return nil
	})
	if err != nil {
		return "", eris.Wrapf(ErrUnavailable, "render: native text: %v", err)
	}

	out := strings.Join(pages, "\f")
	if strings.TrimSpace(strings.ReplaceAll(out, "\f", "")) == "" {
		return "", eris.Wrap(ErrUnavailable, "render: native text: no text layer")
	}
	return out, nil
}

// RawText accepts input that is already readable UTF-8 text.
type RawText struct{}

// minPrintableRatio is the share of printable runes required to treat
// bytes as text.
const minPrintableRatio = 0.9

// ExtractText implements TextExtractor.
func (RawText) ExtractText(_ context.Context, data []byte) (string, error) {
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF")) || !utf8.Valid(data) {
		return "", eris.Wrap(ErrUnavailable, "render: raw text: binary input")
	}
	s := string(data)
	if strings.TrimSpace(s) == "" {
		return "", eris.Wrap(ErrUnavailable, "render: raw text: empty input")
	}

	var total, printable int
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if float64(printable)/float64(total) < minPrintableRatio {
		return "", eris.Wrap(ErrUnavailable, "render: raw text: not printable")
	}
	return s, nil
}

// Chain tries each extractor in order and returns the first non-empty text.
type Chain []TextExtractor

// ExtractText implements TextExtractor.
func (c Chain) ExtractText(ctx context.Context, data []byte) (string, error) {
	var errs []string
	for _, ext := range c {
		if err := ctx.Err(); err != nil {
			return "", eris.Wrap(err, "render: text chain")
		}
		text, err := ext.ExtractText(ctx, data)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return "", eris.Wrapf(ErrUnavailable, "render: no text extractor succeeded: %s", strings.Join(errs, "; "))
}
