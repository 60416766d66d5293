package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/analysis"
	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/fetcher"
)

type stubOpener map[string]string

func (s stubOpener) Open(_ context.Context, location string) (*fetcher.Document, error) {
	content, ok := s[location]
	if !ok {
		return nil, errors.New("no such document")
	}
	return &fetcher.Document{Name: location + ".pdf", Location: location, Data: []byte(content)}, nil
}

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestParseManifest(t *testing.T) {
	data := []byte(`
- path: papers/a.pdf
  owner: alice
  feature: review
  timeout_secs: 30
- path: https://example.com/b.pdf
`)
	entries, err := parseManifest(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, manifestEntry{Path: "papers/a.pdf", Owner: "alice", Feature: "review", TimeoutSecs: 30}, entries[0])
	assert.Equal(t, "https://example.com/b.pdf", entries[1].Path)
	assert.Empty(t, entries[1].Owner)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing path":     "- owner: alice\n",
		"negative timeout": "- path: a.pdf\n  timeout_secs: -1\n",
		"not a list":       "path: a.pdf\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseManifest([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestLoadRequests_MergesFlagsAndEntries(t *testing.T) {
	withConfig(t, &config.Config{Server: config.ServerConfig{DefaultOwner: "lab"}})

	flags := &requestFlags{feature: "cli", force: true, noAnalysis: true, timeout: time.Minute}
	entries := []manifestEntry{
		{Path: "a"},
		{Path: "b", Owner: "alice", Feature: "review", TimeoutSecs: 5},
	}

	reqs, err := loadRequests(context.Background(), stubOpener{"a": "AAA", "b": "BBB"}, entries, flags)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	assert.Equal(t, "lab", reqs[0].OwnerID)
	assert.Equal(t, "a.pdf", reqs[0].FileName)
	assert.Equal(t, []byte("AAA"), reqs[0].Data)
	assert.Equal(t, "cli", reqs[0].FeatureTag)
	assert.Equal(t, time.Minute, reqs[0].Options.Timeout)
	assert.True(t, reqs[0].Options.Force)
	require.NotNil(t, reqs[0].Options.RunAnalysis)
	assert.False(t, *reqs[0].Options.RunAnalysis)

	assert.Equal(t, "alice", reqs[1].OwnerID)
	assert.Equal(t, "review", reqs[1].FeatureTag)
	assert.Equal(t, 5*time.Second, reqs[1].Options.Timeout)
}

func TestLoadRequests_OpenFailureAborts(t *testing.T) {
	withConfig(t, &config.Config{})

	_, err := loadRequests(context.Background(), stubOpener{"a": "AAA"}, []manifestEntry{{Path: "a"}, {Path: "missing"}}, &requestFlags{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch: open missing")
}

func TestRequestFlags_OwnerFallback(t *testing.T) {
	withConfig(t, &config.Config{})
	assert.Equal(t, "anonymous", (&requestFlags{}).ownerID())
	assert.Equal(t, "bob", (&requestFlags{owner: "bob"}).ownerID())

	opts := (&requestFlags{minConfidence: 0.4, skipMarkdown: true}).options()
	assert.InDelta(t, 0.4, opts.MinTableConfidence, 1e-9)
	assert.True(t, opts.SkipMarkdown)
	assert.Nil(t, opts.RunAnalysis)
}

func TestFormatBatch(t *testing.T) {
	resp := &analysis.BatchResponse{
		Results: []*analysis.Response{
			{Status: analysis.StatusCompleted, IngestionID: "0123456789abcdef", Summary: analysis.Summary{DataPoints: 6, Findings: 4},
				Observability: analysis.Observability{FileName: "a.pdf", DurationMs: 12}, Warnings: []string{}},
			{Status: analysis.StatusFailed, Observability: analysis.Observability{FileName: "b.pdf"}, Warnings: []string{"Processing b.pdf failed"}},
		},
		Total: 2, Completed: 1, Failed: 1, DurationMs: 40,
	}

	var buf bytes.Buffer
	formatBatch(&buf, resp)
	out := buf.String()
	assert.Contains(t, out, "FILE")
	assert.Contains(t, out, "a.pdf")
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "2 documents: 1 completed, 0 partial, 1 failed in 40ms")
}
