// Package fetcher loads documents from local paths and http(s) or ftp URLs.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/resilience"
)

// ErrTooLarge is returned when a document exceeds the configured size limit.
var ErrTooLarge = eris.New("fetcher: document too large")

// Fetcher defines the interface for downloading remote documents.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Document is a loaded file and the name it is recorded under.
type Document struct {
	Name     string
	Location string
	Data     []byte
}

// Source resolves a location to document bytes.
type Source struct {
	http     Fetcher
	ftp      Fetcher
	maxBytes int64
	// ftpRetry wraps FTP downloads; the HTTP fetcher retries on its own.
	ftpRetry resilience.RetryConfig
}

// NewSource builds a Source from the fetch config.
func NewSource(cfg config.FetchConfig) *Source {
	return &Source{
		http: NewHTTPFetcher(HTTPOptions{
			UserAgent:  cfg.UserAgent,
			Timeout:    time.Duration(cfg.TimeoutSecs) * time.Second,
			MaxRetries: cfg.MaxRetries,
		}),
		ftp:      NewFTPFetcher(FTPOptions{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}),
		maxBytes: int64(cfg.MaxSizeMB) << 20,
		ftpRetry: resilience.RetryConfig{MaxAttempts: max(cfg.MaxRetries, 1), OnRetry: resilience.RetryLogger("fetcher", "ftp download")},
	}
}

// NewSourceWith builds a Source around explicit fetchers. maxBytes <= 0
// disables the size limit.
func NewSourceWith(httpFetcher, ftpFetcher Fetcher, maxBytes int64) *Source {
	return &Source{http: httpFetcher, ftp: ftpFetcher, maxBytes: maxBytes, ftpRetry: resilience.RetryConfig{MaxAttempts: 1}}
}

// Open loads location. URLs with an http, https or ftp scheme are
// downloaded; anything else is read from the local filesystem.
func (s *Source) Open(ctx context.Context, location string) (*Document, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 || u.Scheme == "file" {
		return s.openFile(location)
	}

	var (
		f     Fetcher
		retry = resilience.RetryConfig{MaxAttempts: 1}
	)
	switch u.Scheme {
	case "http", "https":
		f = s.http
	case "ftp":
		f, retry = s.ftp, s.ftpRetry
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}

	start := time.Now()
	data, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		body, err := f.Download(ctx, location)
		if err != nil {
			return nil, err
		}
		defer body.Close() //nolint:errcheck
		return s.readAll(body, location)
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("fetcher: downloaded",
		zap.String("location", location),
		zap.Int("bytes", len(data)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return &Document{Name: remoteName(u), Location: location, Data: data}, nil
}

func (s *Source) openFile(location string) (*Document, error) {
	p := strings.TrimPrefix(location, "file://")
	fh, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", p)
	}
	defer fh.Close() //nolint:errcheck

	data, err := s.readAll(fh, p)
	if err != nil {
		return nil, err
	}
	return &Document{Name: filepath.Base(p), Location: p, Data: data}, nil
}

func (s *Source) readAll(r io.Reader, location string) ([]byte, error) {
	if s.maxBytes <= 0 {
		data, err := io.ReadAll(r)
		return data, eris.Wrapf(err, "fetcher: read %s", location)
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", location)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "fetcher: %s exceeds %d bytes", location, s.maxBytes)
	}
	return data, nil
}

func remoteName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return u.Host
	}
	return name
}
