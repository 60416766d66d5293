package model

import "time"

// ComputeRun is a cached analysis result keyed by DeterministicHash.
type ComputeRun struct {
	ID                string         `json:"id"`
	IngestionID       string         `json:"ingestion_id,omitempty"`
	Method            string         `json:"method"`
	MethodVersion     string         `json:"method_version"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Result            map[string]any `json:"result"`
	DeterministicHash string         `json:"deterministic_hash"`
	CreatedBy         string         `json:"created_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
