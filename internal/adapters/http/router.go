package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/config"
	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
	"github.com/kirillkom/interpretation-engine/internal/observability/logging"
	"github.com/kirillkom/interpretation-engine/internal/observability/metrics"
)

const maxRequestBodyBytes = 16 << 20

type Router struct {
	ingestor        ports.DocumentIngestor
	retriever       ports.Retriever
	interpretations ports.InterpretationService
	stats           ports.IndexStatsReader
	metrics         *metrics.HTTPServerMetrics

	retrievalTopK   int
	rateLimitRPS    float64
	rateLimitBurst  int
	maxInFlight     int
	overloadWait    time.Duration
	openAPIDocument []byte
	openAPIErr      error
}

func NewRouter(
	cfg config.Config,
	ingestor ports.DocumentIngestor,
	retriever ports.Retriever,
	interpretations ports.InterpretationService,
) *Router {
	_, rendered, err := loadOpenAPIDocument(context.Background())
	return &Router{
		ingestor:        ingestor,
		retriever:       retriever,
		interpretations: interpretations,
		retrievalTopK:   cfg.RetrievalTopK,
		rateLimitRPS:    cfg.APIRateLimitRPS,
		rateLimitBurst:  cfg.APIRateLimitBurst,
		maxInFlight:     cfg.APIMaxInFlight,
		overloadWait:    cfg.APIOverloadWait,
		openAPIDocument: rendered,
		openAPIErr:      err,
	}
}

func (rt *Router) WithStats(stats ports.IndexStatsReader) *Router {
	rt.stats = stats
	return rt
}

func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics) *Router {
	rt.metrics = m
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.json", rt.openAPI)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/indexes/{index}/documents", rt.ingestDocuments)
	mux.HandleFunc("DELETE /v1/indexes/{index}/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/indexes/{index}/search", rt.search)
	mux.HandleFunc("GET /v1/indexes/{index}/stats", rt.indexStats)

	mux.HandleFunc("POST /v1/interpretations", rt.getOrGenerate)
	mux.HandleFunc("GET /v1/interpretations", rt.peekInterpretation)
	mux.HandleFunc("DELETE /v1/interpretations", rt.invalidateInterpretation)

	var handler http.Handler = mux
	var onLimited func()
	if rt.metrics != nil {
		onLimited = rt.metrics.RecordRateLimited
		handler = rt.metrics.Middleware("api", handler)
	}
	handler = backpressureMiddleware(handler, rt.maxInFlight, rt.overloadWait)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst, onLimited)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPI(w http.ResponseWriter, _ *http.Request) {
	if rt.openAPIErr != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: rt.openAPIErr.Error(), Kind: "internal"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rt.openAPIDocument)
}

type ingestRequest struct {
	domain.Document
	Documents []domain.Document `json:"documents"`
}

func (rt *Router) ingestDocuments(w http.ResponseWriter, r *http.Request) {
	indexName := r.PathValue("index")

	var req ingestRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return
	}

	if len(req.Documents) > 0 {
		items := rt.ingestor.IngestBatch(r.Context(), indexName, req.Documents)
		for _, item := range items {
			rt.recordIngest(item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	result, err := rt.ingestor.Ingest(r.Context(), indexName, req.Document)
	if rt.metrics != nil {
		rt.metrics.RecordIngest(metrics.IngestStatus(err))
	}
	if err != nil {
		logging.FromContext(r.Context()).Warn("ingest_failed",
			"index", indexName,
			"document_id", req.ID,
			"error", err,
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (rt *Router) recordIngest(item domain.BatchIngestItem) {
	if rt.metrics == nil {
		return
	}
	switch {
	case item.Error == "":
		rt.metrics.RecordIngest("success")
	case item.Partial:
		rt.metrics.RecordIngest("partial")
	default:
		rt.metrics.RecordIngest("error")
	}
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.ingestor.Delete(r.Context(), r.PathValue("index"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	Mode  string `json:"mode"`
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return
	}
	mode, ok := domain.ParseSearchMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mode must be sparse, dense or hybrid", Kind: "validation"})
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = rt.retrievalTopK
	}

	start := time.Now()
	results, err := rt.retriever.Search(r.Context(), domain.SearchQuery{
		IndexName: r.PathValue("index"),
		Text:      req.Query,
		TopK:      topK,
		Mode:      mode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(string(mode), len(results), time.Since(start))
	}
	if results == nil {
		results = []domain.RetrievalResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (rt *Router) indexStats(w http.ResponseWriter, r *http.Request) {
	if rt.stats == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "index statistics are not available", Kind: "internal"})
		return
	}
	stats, err := rt.stats.Stats(r.Context(), r.PathValue("index"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type interpretationRequest struct {
	Key         domain.GenerationKey `json:"key"`
	SubjectData json.RawMessage      `json:"subject_data"`
	Query       string               `json:"query"`
	TimeoutMS   int                  `json:"timeout_ms"`
}

func (rt *Router) getOrGenerate(w http.ResponseWriter, r *http.Request) {
	var req interpretationRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return
	}
	if req.TimeoutMS < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "timeout_ms must not be negative", Kind: "validation"})
		return
	}

	artifact, err := rt.interpretations.GetOrGenerate(r.Context(), domain.GenerationRequest{
		Key:         req.Key,
		SubjectData: req.SubjectData,
		Query:       req.Query,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("interpretation_failed",
			"subject_id", req.Key.SubjectID,
			"kind", req.Key.Kind,
			"error", err,
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (rt *Router) peekInterpretation(w http.ResponseWriter, r *http.Request) {
	artifact, err := rt.interpretations.Peek(r.Context(), keyFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (rt *Router) invalidateInterpretation(w http.ResponseWriter, r *http.Request) {
	if err := rt.interpretations.Invalidate(r.Context(), keyFromQuery(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func keyFromQuery(r *http.Request) domain.GenerationKey {
	q := r.URL.Query()
	return domain.GenerationKey{
		SubjectID: q.Get("subject_id"),
		Kind:      q.Get("kind"),
		Language:  q.Get("language"),
		Corpus:    q.Get("corpus"),
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid json")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
