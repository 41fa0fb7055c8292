package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/scrypster/materio/internal/resilience"
	"github.com/scrypster/materio/internal/vision"
	"github.com/scrypster/materio/pkg/types"
)

// maxQueryImageBytes bounds uploaded query images.
const maxQueryImageBytes = 20 << 20

// QueryRequest is one search request as received from a caller. Image
// and Text are the raw inputs; embeddings are generated internally.
type QueryRequest struct {
	// Image holds raw image bytes for visual similarity. Optional.
	Image []byte

	// Text is a natural-language material description for semantic
	// similarity. Optional.
	Text string

	Filter types.SearchFilter

	WeightVisual   float64
	WeightSemantic float64
	Threshold      float64
	Mode           types.ThresholdMode
	Limit          int
}

// QueryResponse carries ranked results plus the state the query
// reached and any degradation warnings.
type QueryResponse struct {
	State    types.QueryState      `json:"state"`
	Results  []*types.SearchResult `json:"results"`
	Warnings []string              `json:"warnings,omitempty"`
}

// QueryOrchestrator validates inputs, generates query embeddings
// through the shared resilient clients, and delegates to the fusion
// search engine. When an embedding space is unavailable it degrades to
// the remaining signal rather than failing the whole query.
type QueryOrchestrator struct {
	embedder vision.Embedder
	searcher *FusionSearchEngine
	cache    *queryCache
}

// NewQueryOrchestrator creates an orchestrator. cache may be nil to
// disable response caching.
func NewQueryOrchestrator(embedder vision.Embedder, searcher *FusionSearchEngine, cache *queryCache) *QueryOrchestrator {
	return &QueryOrchestrator{
		embedder: embedder,
		searcher: searcher,
		cache:    cache,
	}
}

// Query runs one search end to end.
func (o *QueryOrchestrator) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	query := &types.SearchQuery{
		Filter:         req.Filter,
		WeightVisual:   req.WeightVisual,
		WeightSemantic: req.WeightSemantic,
		Threshold:      req.Threshold,
		Mode:           req.Mode,
		Limit:          req.Limit,
	}
	query.Normalize()

	var key string
	if o.cache != nil {
		key = cacheKey(req, query)
		if cached, ok := o.cache.get(key); ok {
			return cached, nil
		}
	}

	var warnings []string
	requested := 0
	obtained := 0

	if len(req.Image) > 0 {
		requested++
		visual, err := o.embedder.EmbedImage(ctx, req.Image)
		switch {
		case err == nil:
			query.VisualQuery = visual
			obtained++
		case resilience.IsTransient(err):
			log.Printf("Query: visual embedding unavailable, degrading: %v", err)
			warnings = append(warnings, "visual similarity unavailable: "+err.Error())
		default:
			return nil, fmt.Errorf("visual embedding failed: %w", err)
		}
	}

	if req.Text != "" {
		requested++
		semantic, err := o.embedder.EmbedText(ctx, req.Text)
		switch {
		case err == nil:
			query.SemanticQuery = semantic
			obtained++
		case resilience.IsTransient(err):
			log.Printf("Query: semantic embedding unavailable, degrading: %v", err)
			warnings = append(warnings, "semantic similarity unavailable: "+err.Error())
		default:
			return nil, fmt.Errorf("semantic embedding failed: %w", err)
		}
	}

	// Every requested space failed. A structured filter can still
	// serve a degraded property-only answer; otherwise the query has
	// nothing to search with.
	if requested > 0 && obtained == 0 && req.Filter.IsZero() {
		return &QueryResponse{
			State:    types.QueryFailed,
			Results:  []*types.SearchResult{},
			Warnings: warnings,
		}, fmt.Errorf("no embedding space available: %s", strings.Join(warnings, "; "))
	}

	results, err := o.searcher.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*types.SearchResult{}
	}

	state := types.QueryCompleted
	if obtained < requested {
		state = types.QueryDegraded
	}

	response := &QueryResponse{
		State:    state,
		Results:  results,
		Warnings: warnings,
	}

	// Only fully-served responses are cached. Degraded answers would
	// otherwise outlive the outage that produced them.
	if o.cache != nil && state == types.QueryCompleted {
		o.cache.put(key, response)
	}
	return response, nil
}

// validateRequest rejects malformed input before any external call.
func validateRequest(req *QueryRequest) error {
	if len(req.Image) == 0 && strings.TrimSpace(req.Text) == "" && req.Filter.IsZero() {
		return &resilience.ValidationError{Reason: "query requires an image, text, or a structured filter"}
	}

	if len(req.Image) > 0 {
		if len(req.Image) > maxQueryImageBytes {
			return &resilience.ValidationError{
				Reason: fmt.Sprintf("image exceeds size limit (%d bytes)", maxQueryImageBytes),
			}
		}
		if !isSupportedImage(req.Image) {
			return &resilience.ValidationError{Reason: "unsupported image format, expected PNG, JPEG, or WebP"}
		}
	}

	if req.Text != "" && strings.TrimSpace(req.Text) == "" {
		return &resilience.ValidationError{Reason: "text query is blank"}
	}

	if req.Threshold < 0 || req.Threshold > 1 {
		return &resilience.ValidationError{Reason: "threshold must be within [0, 1]"}
	}
	if req.WeightVisual < 0 || req.WeightSemantic < 0 {
		return &resilience.ValidationError{Reason: "fusion weights must be non-negative"}
	}
	return nil
}

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegMagic = []byte{0xff, 0xd8, 0xff}
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// isSupportedImage sniffs the magic bytes for PNG, JPEG, and WebP.
func isSupportedImage(data []byte) bool {
	if bytes.HasPrefix(data, pngMagic) || bytes.HasPrefix(data, jpegMagic) {
		return true
	}
	return len(data) >= 12 && bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], webpMagic)
}
