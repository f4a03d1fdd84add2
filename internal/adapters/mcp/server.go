package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
)

const serverVersion = "1.0.0"

// Server exposes retrieval, ingestion and interpretation as MCP tools.
type Server struct {
	ingestor        ports.DocumentIngestor
	retriever       ports.Retriever
	interpretations ports.InterpretationService
	defaultTopK     int
}

func New(
	ingestor ports.DocumentIngestor,
	retriever ports.Retriever,
	interpretations ports.InterpretationService,
	defaultTopK int,
) *Server {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	return &Server{
		ingestor:        ingestor,
		retriever:       retriever,
		interpretations: interpretations,
		defaultTopK:     defaultTopK,
	}
}

func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("interpretation-engine", serverVersion, server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search a named corpus with sparse, dense or hybrid retrieval."),
		mcp.WithString("index", mcp.Required(), mcp.Description("Index name")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Query text")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of results")),
		mcp.WithString("mode", mcp.Description("sparse, dense or hybrid (default)")),
	), s.handleSearch)

	srv.AddTool(mcp.NewTool("ingest",
		mcp.WithDescription("Add or overwrite one document in both indexes."),
		mcp.WithString("index", mcp.Required(), mcp.Description("Index name")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Document text")),
	), s.handleIngest)

	srv.AddTool(mcp.NewTool("interpret",
		mcp.WithDescription("Return the cached interpretation for a subject, generating it on first request."),
		mcp.WithString("subject_id", mcp.Required(), mcp.Description("Subject identifier")),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Interpretation kind")),
		mcp.WithString("language", mcp.Required(), mcp.Description("Output language")),
		mcp.WithString("corpus", mcp.Required(), mcp.Description("Index used as grounding corpus")),
		mcp.WithString("subject_data", mcp.Description("Subject data as a JSON object")),
		mcp.WithString("query", mcp.Description("Retrieval query; defaults to kind")),
		mcp.WithNumber("timeout_ms", mcp.Description("Generation timeout in milliseconds")),
	), s.handleInterpret)

	return srv
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.MCPServer())
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}
	indexName := stringArg(args, "index")
	query := stringArg(args, "query")
	if indexName == "" || query == "" {
		return mcp.NewToolResultError("index and query parameters are required"), nil
	}
	mode, ok := domain.ParseSearchMode(strings.ToLower(stringArg(args, "mode")))
	if !ok {
		return mcp.NewToolResultError("mode must be sparse, dense or hybrid"), nil
	}
	topK := intArg(args, "top_k", s.defaultTopK)

	results, err := s.retriever.Search(ctx, domain.SearchQuery{
		IndexName: indexName,
		Text:      query,
		TopK:      topK,
		Mode:      mode,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatResults(indexName, results)), nil
}

func (s *Server) handleIngest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}
	indexName := stringArg(args, "index")
	result, err := s.ingestor.Ingest(ctx, indexName, domain.Document{
		ID:        stringArg(args, "id"),
		IndexName: indexName,
		Text:      stringArg(args, "text"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"ingested %s/%s: %d tokens, %d dimensions", result.IndexName, result.DocumentID, result.TokenCount, result.Dimension,
	)), nil
}

func (s *Server) handleInterpret(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("invalid arguments type"), nil
	}

	var subjectData json.RawMessage
	if raw := stringArg(args, "subject_data"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("subject_data must be valid JSON"), nil
		}
		subjectData = json.RawMessage(raw)
	}

	artifact, err := s.interpretations.GetOrGenerate(ctx, domain.GenerationRequest{
		Key: domain.GenerationKey{
			SubjectID: stringArg(args, "subject_id"),
			Kind:      stringArg(args, "kind"),
			Language:  stringArg(args, "language"),
			Corpus:    stringArg(args, "corpus"),
		},
		SubjectData: subjectData,
		Query:       stringArg(args, "query"),
		Timeout:     time.Duration(intArg(args, "timeout_ms", 0)) * time.Millisecond,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(artifact.Text), nil
}

func formatResults(indexName string, results []domain.RetrievalResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("no results in index %s", indexName)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d results in index %s\n", len(results), indexName)
	for _, r := range results {
		fmt.Fprintf(&b, "%d. %s (%s, score %.6f)\n", r.Rank, r.DocumentID, r.Method, r.Score)
	}
	return b.String()
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// intArg accepts JSON numbers, which arrive as float64.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
