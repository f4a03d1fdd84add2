package domain

import "time"

// Document is the unit of knowledge accepted by the ingestion pipeline.
// Embedding is optional; when empty the pipeline computes one.
type Document struct {
	ID        string            `json:"id"`
	IndexName string            `json:"index_name"`
	Text      string            `json:"text"`
	Tokens    []string          `json:"tokens,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type SparseEntry struct {
	IndexName       string         `json:"index_name"`
	DocumentID      string         `json:"document_id"`
	TermFrequencies map[string]int `json:"term_frequencies"`
	Length          int            `json:"length"`
	K1              float64        `json:"k1"`
	B               float64        `json:"b"`
}

type DenseEntry struct {
	IndexName  string            `json:"index_name"`
	DocumentID string            `json:"document_id"`
	Vector     []float32         `json:"vector"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MetadataText is the dense metadata key holding the passage text used as generation context.
const MetadataText = "text"

type IngestResult struct {
	IndexName  string    `json:"index_name"`
	DocumentID string    `json:"document_id"`
	TokenCount int       `json:"token_count"`
	Dimension  int       `json:"dimension"`
	Embedded   bool      `json:"embedded"`
	IngestedAt time.Time `json:"ingested_at"`
}

type BatchIngestItem struct {
	DocumentID string        `json:"document_id"`
	Result     *IngestResult `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	Partial    bool          `json:"partial,omitempty"`
}

type IndexStats struct {
	IndexName     string  `json:"index_name"`
	Documents     int     `json:"documents"`
	AverageLength float64 `json:"average_length"`
}
