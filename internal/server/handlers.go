package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/scrypster/materio/internal/engine"
	"github.com/scrypster/materio/internal/resilience"
	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/pkg/types"
)

// MaterialEngine is the engine surface the HTTP handlers depend on.
type MaterialEngine interface {
	EnqueueIngestion(ctx context.Context, materialID, imageRef string, priority int) (*types.QueueEntry, error)
	Query(ctx context.Context, req *engine.QueryRequest) (*engine.QueryResponse, error)
	IngestionStatus(ctx context.Context, materialID string) (*types.QueueEntry, error)
	MaterialResults(ctx context.Context, materialID string) ([]*types.AnalysisResult, error)
}

// Handlers holds the HTTP handlers for the Materio API.
type Handlers struct {
	engine        MaterialEngine
	maxImageBytes int
}

// NewHandlers creates the API handlers.
func NewHandlers(eng MaterialEngine, maxImageBytes int) *Handlers {
	if maxImageBytes <= 0 {
		maxImageBytes = 20 << 20
	}
	return &Handlers{engine: eng, maxImageBytes: maxImageBytes}
}

type ingestRequest struct {
	MaterialID  string `json:"material_id"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageRef    string `json:"image_ref,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type ingestResponse struct {
	EntryID    string            `json:"entry_id"`
	MaterialID string            `json:"material_id"`
	Status     types.QueueStatus `json:"status"`
	Priority   int               `json:"priority"`
}

// Ingest accepts a material image for async analysis. The response is
// returned as soon as the queue entry is persisted.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.MaterialID == "" {
		writeError(w, http.StatusBadRequest, "material_id is required")
		return
	}

	imageRef := req.ImageRef
	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "image_base64 is not valid base64")
			return
		}
		if len(data) > h.maxImageBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds size limit")
			return
		}
		imageRef = "data:;base64," + req.ImageBase64
	}
	if imageRef == "" {
		writeError(w, http.StatusBadRequest, "either image_base64 or image_ref is required")
		return
	}

	entry, err := h.engine.EnqueueIngestion(r.Context(), req.MaterialID, imageRef, req.Priority)
	if err != nil {
		log.Printf("ERROR: failed to enqueue material %s: %v", req.MaterialID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue ingestion")
		return
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		EntryID:    entry.ID,
		MaterialID: entry.MaterialID,
		Status:     entry.Status,
		Priority:   entry.Priority,
	})
}

type searchRequest struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`

	Filter types.SearchFilter `json:"filter"`

	WeightVisual   float64             `json:"weight_visual,omitempty"`
	WeightSemantic float64             `json:"weight_semantic,omitempty"`
	Threshold      float64             `json:"threshold,omitempty"`
	Mode           types.ThresholdMode `json:"mode,omitempty"`
	Limit          int                 `json:"limit,omitempty"`
}

// Search runs a fusion search over analyzed materials.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	queryReq := &engine.QueryRequest{
		Text:           req.Text,
		Filter:         req.Filter,
		WeightVisual:   req.WeightVisual,
		WeightSemantic: req.WeightSemantic,
		Threshold:      req.Threshold,
		Mode:           req.Mode,
		Limit:          req.Limit,
	}

	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "image_base64 is not valid base64")
			return
		}
		queryReq.Image = data
	}

	resp, err := h.engine.Query(r.Context(), queryReq)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case resilience.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case resp != nil && resp.State == types.QueryFailed:
		// Every embedding space is down and no filter could serve.
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		log.Printf("ERROR: search failed: %v", err)
		writeError(w, http.StatusInternalServerError, "search failed")
	}
}

type statusResponse struct {
	EntryID       string            `json:"entry_id"`
	MaterialID    string            `json:"material_id"`
	Status        types.QueueStatus `json:"status"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	ErrorDetail   string            `json:"error_detail,omitempty"`
	NextAttemptAt string            `json:"next_attempt_at,omitempty"`
}

// IngestionStatus reports the latest queue entry for a material.
func (h *Handlers) IngestionStatus(w http.ResponseWriter, r *http.Request) {
	materialID := r.PathValue("id")

	entry, err := h.engine.IngestionStatus(r.Context(), materialID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no ingestion found for material")
		return
	}
	if err != nil {
		log.Printf("ERROR: failed to get ingestion status for %s: %v", materialID, err)
		writeError(w, http.StatusInternalServerError, "failed to get ingestion status")
		return
	}

	resp := statusResponse{
		EntryID:     entry.ID,
		MaterialID:  entry.MaterialID,
		Status:      entry.Status,
		Attempts:    entry.Attempts,
		MaxAttempts: entry.MaxAttempts,
		ErrorDetail: entry.ErrorDetail,
	}
	if entry.NextAttemptAt != nil {
		resp.NextAttemptAt = entry.NextAttemptAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, http.StatusOK, resp)
}

// Material returns all analysis results for a material, newest first.
func (h *Handlers) Material(w http.ResponseWriter, r *http.Request) {
	materialID := r.PathValue("id")

	results, err := h.engine.MaterialResults(r.Context(), materialID)
	if err != nil {
		log.Printf("ERROR: failed to get results for %s: %v", materialID, err)
		writeError(w, http.StatusInternalServerError, "failed to get material results")
		return
	}
	if len(results) == 0 {
		writeError(w, http.StatusNotFound, "material has no analysis results")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
