package model

import "time"

// IngestionStatus represents the lifecycle state of an ingestion.
type IngestionStatus string

const (
	IngestionStatusPending    IngestionStatus = "pending"
	IngestionStatusProcessing IngestionStatus = "processing"
	IngestionStatusCompleted  IngestionStatus = "completed"
	IngestionStatusFailed     IngestionStatus = "failed"
)

// Terminal reports whether no pipeline is currently expected to move the
// ingestion forward.
func (s IngestionStatus) Terminal() bool {
	return s == IngestionStatusCompleted || s == IngestionStatusFailed
}

// CanTransition reports whether moving from s to next is a legal state
// machine edge. Terminal and pending records may be restarted (processing);
// a processing record may only finish.
func (s IngestionStatus) CanTransition(next IngestionStatus) bool {
	switch s {
	case IngestionStatusPending:
		return next == IngestionStatusProcessing || next == IngestionStatusFailed
	case IngestionStatusProcessing:
		return next == IngestionStatusCompleted || next == IngestionStatusFailed
	case IngestionStatusCompleted, IngestionStatusFailed:
		return next == IngestionStatusProcessing
	default:
		return false
	}
}

// Ingestion is one uploaded document, unique per (owner, content hash).
type Ingestion struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	FileName    string          `json:"file_name"`
	ContentHash string          `json:"content_hash"`
	ByteSize    int64           `json:"byte_size"`
	Status      IngestionStatus `json:"status"`
	Version     int             `json:"version"`
	PageCount   int             `json:"page_count"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ExtractorVersion returns the extractor version recorded by the last
// successful run, or 0 when none was recorded.
func (i *Ingestion) ExtractorVersion() int {
	if i == nil || i.Metadata == nil {
		return 0
	}
	switch v := i.Metadata[MetaExtractorVersion].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Metadata keys written on ingestions and data points.
const (
	MetaExtractorVersion = "extractorVersion"
	MetaDocument         = "document"
	MetaSource           = "source"
	MetaExtractionLane   = "extractionLane"
	MetaContextSnippet   = "contextSnippet"
	MetaEvidenceCategory = "evidenceCategory"
	MetaConfidence       = "confidence"
	MetaRowLabel         = "rowLabel"
	MetaPage             = "page"

	SourceProseExtraction = "prose_numeric_extraction"
	SourceTableExtraction = "table_extraction"
)

// DocumentMetadata holds bibliographic fields recovered from a document.
// Unset fields are omitted rather than defaulted.
type DocumentMetadata struct {
	Title         string   `json:"title,omitempty"`
	Authors       []string `json:"authors,omitempty"`
	DOI           string   `json:"doi,omitempty"`
	Abstract      string   `json:"abstract,omitempty"`
	Journal       string   `json:"journal,omitempty"`
	PublishedDate string   `json:"published_date,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Subject       string   `json:"subject,omitempty"`
}

// Fields returns only the populated metadata fields keyed by JSON name.
func (m *DocumentMetadata) Fields() map[string]any {
	out := make(map[string]any)
	if m == nil {
		return out
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("title", m.Title)
	set("doi", m.DOI)
	set("abstract", m.Abstract)
	set("journal", m.Journal)
	set("published_date", m.PublishedDate)
	set("subject", m.Subject)
	if len(m.Authors) > 0 {
		out["authors"] = append([]string(nil), m.Authors...)
	}
	if len(m.Keywords) > 0 {
		out["keywords"] = append([]string(nil), m.Keywords...)
	}
	return out
}
