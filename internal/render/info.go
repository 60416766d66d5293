package render

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/sells-group/evidence-cli/internal/config"
)

// InfoExtractor reads the embedded info dictionary without a full parse.
// It backs metadata extraction when structured rendering fails.
type InfoExtractor interface {
	ExtractInfo(ctx context.Context, data []byte) (Info, error)
}

// NewInfoExtractor builds the info fallback chain for cfg. pdfinfo is
// tried first only when poppler is the configured plain-text tool.
func NewInfoExtractor(cfg config.RendererConfig) InfoExtractor {
	if cfg.PlainText == "pdftotext" {
		return InfoChain{NewPdfInfo(cfg.PdfInfoPath), RawInfo{}}
	}
	return InfoChain{RawInfo{}}
}

// InfoChain tries each extractor in order and returns the first non-empty
// dictionary.
type InfoChain []InfoExtractor

// ExtractInfo implements InfoExtractor.
func (c InfoChain) ExtractInfo(ctx context.Context, data []byte) (Info, error) {
	var errs []string
	for _, ext := range c {
		if err := ctx.Err(); err != nil {
			return Info{}, eris.Wrap(err, "render: info chain")
		}
		info, err := ext.ExtractInfo(ctx, data)
		if err == nil && info != (Info{}) {
			return info, nil
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return Info{}, eris.Wrapf(ErrUnavailable, "render: no info extractor succeeded: %s", strings.Join(errs, "; "))
}

// RawInfo locates the trailer's /Info object in the raw bytes. It works on
// files whose cross-reference data is too damaged for the structured
// reader, but not on info objects packed into object streams.
type RawInfo struct{}

var (
	infoRefRe = regexp.MustCompile(`/Info\s+(\d+)\s+(\d+)\s+R`)
	infoKeyRe = regexp.MustCompile(`/(Title|Author|Subject|Keywords|Creator|Producer|CreationDate)\s*([(<])`)
)

// ExtractInfo implements InfoExtractor.
func (RawInfo) ExtractInfo(_ context.Context, data []byte) (Info, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF")) {
		return Info{}, eris.Wrap(ErrUnavailable, "render: raw info: not a pdf")
	}
	refs := infoRefRe.FindAllSubmatch(data, -1)
	if len(refs) == 0 {
		return Info{}, eris.Wrap(ErrUnavailable, "render: raw info: no /Info reference")
	}
	// The last trailer wins after incremental updates.
	ref := refs[len(refs)-1]
	objRe := regexp.MustCompile(`(?:^|\s)` + string(ref[1]) + `\s+` + string(ref[2]) + `\s+obj\b`)
	locs := objRe.FindAllIndex(data, -1)
	if len(locs) == 0 {
		return Info{}, eris.Wrapf(ErrUnavailable, "render: raw info: object %s %s not found", ref[1], ref[2])
	}
	body := data[locs[len(locs)-1][1]:]
	if end := bytes.Index(body, []byte("endobj")); end >= 0 {
		body = body[:end]
	}

	var info Info
	for _, m := range infoKeyRe.FindAllSubmatchIndex(body, -1) {
		key := string(body[m[2]:m[3]])
		raw, ok := pdfString(body[m[4]:])
		if !ok {
			continue
		}
		setInfo(&info, key, decodePDFText(raw))
	}
	return info, nil
}

func setInfo(info *Info, key, value string) {
	value = strings.TrimSpace(value)
	switch key {
	case "Title":
		info.Title = value
	case "Author":
		info.Author = value
	case "Subject":
		info.Subject = value
	case "Keywords":
		info.Keywords = value
	case "Creator":
		info.Creator = value
	case "Producer":
		info.Producer = value
	case "CreationDate":
		info.CreationDate = value
	}
}

// pdfString reads the literal or hex string at the start of b.
func pdfString(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	if b[0] == '<' {
		end := bytes.IndexByte(b, '>')
		if end < 0 {
			return nil, false
		}
		digits := bytes.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, b[1:end])
		if len(digits)%2 == 1 {
			digits = append(digits, '0')
		}
		out := make([]byte, hex.DecodedLen(len(digits)))
		if _, err := hex.Decode(out, digits); err != nil {
			return nil, false
		}
		return out, true
	}

	var (
		out   []byte
		depth = 1
	)
	for i := 1; i < len(b); i++ {
		c := b[i]
		switch c {
		case '\\':
			if i+1 >= len(b) {
				return nil, false
			}
			i++
			switch e := b[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r', '\n':
				// Line continuation.
			default:
				if e >= '0' && e <= '7' {
					j := i
					for j < len(b) && j < i+3 && b[j] >= '0' && b[j] <= '7' {
						j++
					}
					n, _ := strconv.ParseUint(string(b[i:j]), 8, 8)
					out = append(out, byte(n))
					i = j - 1
					continue
				}
				out = append(out, e)
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out, true
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return nil, false
}

// decodePDFText decodes a text string: UTF-16BE behind a byte order mark,
// otherwise PDFDocEncoding, read here as Latin-1.
func decodePDFText(raw []byte) string {
	if bytes.HasPrefix(raw, []byte{0xfe, 0xff}) {
		s, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(raw)
		if err == nil {
			return string(s)
		}
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(s)
}

// PdfInfo reads the info dictionary with the poppler pdfinfo CLI.
type PdfInfo struct {
	binPath string
}

// NewPdfInfo creates a PdfInfo extractor. If binPath is empty, "pdfinfo" is used.
func NewPdfInfo(binPath string) *PdfInfo {
	if binPath == "" {
		binPath = "pdfinfo"
	}
	return &PdfInfo{binPath: binPath}
}

// ExtractInfo runs pdfinfo -rawdates on a temporary copy of data. A
// missing binary is reported as ErrUnavailable.
func (p *PdfInfo) ExtractInfo(ctx context.Context, data []byte) (Info, error) {
	if _, err := exec.LookPath(p.binPath); err != nil {
		return Info{}, eris.Wrapf(ErrUnavailable, "render: pdfinfo not found at %s", p.binPath)
	}

	tmp, err := os.CreateTemp("", "evidence-*.pdf")
	if err != nil {
		return Info{}, eris.Wrap(err, "render: pdfinfo temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return Info{}, eris.Wrap(err, "render: pdfinfo write temp file")
	}
	if err := tmp.Close(); err != nil {
		return Info{}, eris.Wrap(err, "render: pdfinfo close temp file")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binPath, "-enc", "UTF-8", "-rawdates", tmp.Name())
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Info{}, eris.Wrapf(err, "render: pdfinfo failed: %s", stderr.String())
	}
	return parsePdfInfo(stdout.String()), nil
}

// parsePdfInfo reads pdfinfo's "Key: value" listing.
func parsePdfInfo(out string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		setInfo(&info, strings.TrimSpace(key), value)
	}
	return info
}
