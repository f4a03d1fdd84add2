package qdrant

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

const defaultSearchLimit = 100

// pointNamespace scopes deterministic point ids so re-ingestion overwrites the same point.
var pointNamespace = uuid.MustParse("6f1c3f5e-8d4b-4c61-9a53-2f0b7d8e4a10")

type pointPayload struct {
	IndexName  string            `json:"index_name"`
	DocumentID string            `json:"document_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func PointID(indexName, documentID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(indexName+"\x00"+documentID)).String()
}

func (c *Client) Upsert(ctx context.Context, indexName, documentID string, vector []float32, metadata map[string]string) error {
	if strings.TrimSpace(indexName) == "" || strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrValidation, "qdrant upsert", errors.New("index name and document id are required"))
	}
	if err := validateVector(vector); err != nil {
		return domain.WrapError(domain.ErrValidation, "qdrant upsert", err)
	}

	collection := c.CollectionName(indexName)
	if err := c.ensureCollection(ctx, collection, len(vector)); err != nil {
		return err
	}

	reqBody := map[string]any{
		"points": []map[string]any{{
			"id":     PointID(indexName, documentID),
			"vector": vector,
			"payload": pointPayload{
				IndexName:  indexName,
				DocumentID: documentID,
				Metadata:   metadata,
			},
		}},
	}
	return c.doJSON(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", reqBody, nil, "upsert")
}

// Search re-sorts Qdrant's answer with the document id tie-break. topK <= 0 uses a bounded default.
func (c *Client) Search(ctx context.Context, indexName string, queryVector []float32, topK int) ([]domain.RetrievalResult, error) {
	if err := validateVector(queryVector); err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "qdrant search", err)
	}
	collection := c.CollectionName(indexName)
	if size, ok := c.knownDimension(collection); ok {
		if err := checkDimension(collection, size, len(queryVector)); err != nil {
			return nil, err
		}
	}

	limit := topK
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
	}
	var searchResp struct {
		Result []struct {
			Score   float64      `json:"score"`
			Payload pointPayload `json:"payload"`
		} `json:"result"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points/search", reqBody, &searchResp, "search")
	if isNotFound(err) {
		return []domain.RetrievalResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.RetrievalResult, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.RetrievalResult{
			DocumentID: r.Payload.DocumentID,
			Score:      r.Score,
			Method:     domain.MethodDense,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func (c *Client) Lookup(ctx context.Context, indexName string, documentIDs []string) ([]domain.DenseEntry, error) {
	if len(documentIDs) == 0 {
		return []domain.DenseEntry{}, nil
	}
	ids := make([]string, 0, len(documentIDs))
	for _, id := range documentIDs {
		ids = append(ids, PointID(indexName, id))
	}
	reqBody := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}
	var pointsResp struct {
		Result []struct {
			Payload pointPayload `json:"payload"`
			Vector  []float32    `json:"vector"`
		} `json:"result"`
	}
	collection := c.CollectionName(indexName)
	err := c.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points", reqBody, &pointsResp, "lookup")
	if isNotFound(err) {
		return []domain.DenseEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.DenseEntry, len(pointsResp.Result))
	for _, p := range pointsResp.Result {
		byID[p.Payload.DocumentID] = domain.DenseEntry{
			IndexName:  indexName,
			DocumentID: p.Payload.DocumentID,
			Vector:     p.Vector,
			Metadata:   p.Payload.Metadata,
		}
	}
	out := make([]domain.DenseEntry, 0, len(byID))
	for _, id := range documentIDs {
		if entry, ok := byID[id]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, indexName, documentID string) error {
	reqBody := map[string]any{"points": []string{PointID(indexName, documentID)}}
	collection := c.CollectionName(indexName)
	err := c.doJSON(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", reqBody, nil, "delete")
	if isNotFound(err) {
		return nil
	}
	return err
}

func validateVector(vector []float32) error {
	if len(vector) == 0 {
		return errors.New("vector is empty")
	}
	var norm float64
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("vector contains non-finite values")
		}
		norm += f * f
	}
	if norm == 0 {
		return errors.New("vector has zero norm")
	}
	return nil
}
