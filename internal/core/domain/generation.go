package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// GenerationKey identifies one unique generation request. Cache layers only see Digest().
type GenerationKey struct {
	SubjectID string `json:"subject_id"`
	Kind      string `json:"kind"`
	Language  string `json:"language"`
	Corpus    string `json:"corpus"`
}

func (k GenerationKey) Validate() error {
	switch {
	case strings.TrimSpace(k.SubjectID) == "":
		return errors.New("subject_id is required")
	case strings.TrimSpace(k.Kind) == "":
		return errors.New("kind is required")
	case strings.TrimSpace(k.Language) == "":
		return errors.New("language is required")
	case strings.TrimSpace(k.Corpus) == "":
		return errors.New("corpus is required")
	}
	return nil
}

// Digest is a stable, collision-resistant encoding of the whole composite.
func (k GenerationKey) Digest() string {
	h := sha256.New()
	for _, part := range []string{k.SubjectID, k.Kind, k.Language, k.Corpus} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type CachedArtifact struct {
	ID                string        `json:"id"`
	Key               GenerationKey `json:"key"`
	Text              string        `json:"text"`
	ModelID           string        `json:"model_id"`
	PromptVersion     string        `json:"prompt_version"`
	SourceDocumentIDs []string      `json:"source_document_ids"`
	CreatedAt         time.Time     `json:"created_at"`
	LastAccessedAt    time.Time     `json:"last_accessed_at"`
}

func (a *CachedArtifact) Clone() *CachedArtifact {
	if a == nil {
		return nil
	}
	out := *a
	out.SourceDocumentIDs = append([]string(nil), a.SourceDocumentIDs...)
	return &out
}

type GenerationRequest struct {
	Key         GenerationKey   `json:"key"`
	SubjectData json.RawMessage `json:"subject_data,omitempty"`
	// Query drives retrieval; Kind is used when it is empty.
	Query   string        `json:"query,omitempty"`
	Timeout time.Duration `json:"-"`
}

func (r GenerationRequest) RetrievalQuery() string {
	if q := strings.TrimSpace(r.Query); q != "" {
		return q
	}
	return r.Key.Kind
}

type ContextDocument struct {
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type GenerationInput struct {
	Documents   []ContextDocument
	SubjectData json.RawMessage
	Kind        string
	Language    string
}

type GenerationOutput struct {
	Text          string
	ModelID       string
	PromptVersion string
}

// GenerationEvent is emitted only when a generation call actually ran.
type GenerationEvent struct {
	SubjectID  string    `json:"subject_id"`
	Kind       string    `json:"kind"`
	Language   string    `json:"language"`
	Corpus     string    `json:"corpus"`
	ModelID    string    `json:"model_id"`
	ArtifactID string    `json:"artifact_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
