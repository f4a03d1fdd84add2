package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/resilience"
)

// Client talks to the Qdrant REST API. Each index name maps to its own collection.
type Client struct {
	baseURL          string
	collectionPrefix string
	httpClient       *http.Client
	executor         *resilience.Executor

	ensureMu sync.Mutex
	ensured  map[string]int
}

func New(baseURL, collectionPrefix string, executor *resilience.Executor) *Client {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		collectionPrefix: collectionPrefix,
		httpClient:       &http.Client{Timeout: 60 * time.Second},
		executor:         executor,
		ensured:          make(map[string]int),
	}
}

// CollectionName maps an index name onto a Qdrant-safe collection name.
func (c *Client) CollectionName(indexName string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, indexName)
	if c.collectionPrefix == "" {
		return safe
	}
	return c.collectionPrefix + "_" + safe
}

// ensureCollection creates the collection on first use and reports the stored vector size.
func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	size, ok := c.ensured[collection]
	c.ensureMu.Unlock()
	if ok {
		return checkDimension(collection, size, vectorSize)
	}

	existing, found, err := c.collectionVectorSize(ctx, collection)
	if err != nil {
		return err
	}
	if found {
		c.markEnsured(collection, existing)
		return checkDimension(collection, existing, vectorSize)
	}

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err = c.doJSON(ctx, http.MethodPut, "/collections/"+collection, reqBody, nil, "ensure collection")
	var statusErr *resilience.HTTPStatusError
	// 409 when another writer created it first.
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		err = nil
	}
	if err != nil {
		return err
	}
	c.markEnsured(collection, vectorSize)
	return nil
}

func (c *Client) collectionVectorSize(ctx context.Context, collection string) (int, bool, error) {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/collections/"+collection, nil, &info, "get collection")
	if isNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Result.Config.Params.Vectors.Size, true, nil
}

func (c *Client) knownDimension(collection string) (int, bool) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	size, ok := c.ensured[collection]
	return size, ok
}

func (c *Client) markEnsured(collection string, vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensured[collection] = vectorSize
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", operation, err)
		}
	}

	err := c.executor.Execute(ctx, "qdrant."+operation, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("qdrant", operation, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}, classifyQdrantError)
	return resilience.WrapTemporary("qdrant "+operation, err, classifyQdrantError)
}

// 404 is an expected answer for a missing collection; it must not trip the breaker.
func classifyQdrantError(err error) resilience.ErrorClassification {
	if isNotFound(err) {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTPError(err)
}

func isNotFound(err error) bool {
	var statusErr *resilience.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func checkDimension(collection string, stored, got int) error {
	if stored != got {
		return domain.WrapError(domain.ErrValidation, "qdrant dimension",
			fmt.Errorf("collection %q has dimension %d, got %d", collection, stored, got))
	}
	return nil
}
