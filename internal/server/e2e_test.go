package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/scrypster/materio/internal/config"
	"github.com/scrypster/materio/internal/engine"
	"github.com/scrypster/materio/internal/storage/sqlite"
	"github.com/scrypster/materio/internal/vision"
	"github.com/scrypster/materio/pkg/types"
)

// e2eAnalyzer returns a fixed marble analysis for every image.
type e2eAnalyzer struct{}

func (a *e2eAnalyzer) AnalyzeImage(ctx context.Context, image []byte) (*vision.AnalysisOutcome, error) {
	return &vision.AnalysisOutcome{
		Properties: types.MaterialProperties{
			MaterialType:     "marble",
			SurfaceTexture:   "polished",
			ColorDescription: "white with grey veining",
		},
		Confidence: 0.94,
	}, nil
}

func (a *e2eAnalyzer) ModelVersion() string { return "material-vision-e2e" }

// e2eEmbedder returns fixed vectors so query embeddings match stored
// ones exactly.
type e2eEmbedder struct{}

func (e *e2eEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	return []float32{0.5, 0.5, 0.5, 0.5}, nil
}

func (e *e2eEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.6, 0.8, 0}, nil
}

func e2eImage() []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), []byte("e2e-marble-sample")...)
}

// TestIngestSearchWorkflow drives the full path over HTTP: enqueue an
// image, wait for the pipeline to analyze it, then find it with a
// fusion search and watch the completion event arrive on the WebSocket
// stream.
func TestIngestSearchWorkflow(t *testing.T) {
	store, err := sqlite.NewAnalysisStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	engCfg := engine.DefaultConfig()
	engCfg.NumWorkers = 2
	engCfg.PollInterval = 10 * time.Millisecond
	engCfg.RetryBackoffBase = 5 * time.Millisecond
	engCfg.VisualDim = 4
	engCfg.SemanticDim = 3

	eng, err := engine.NewMaterialEngine(store, &e2eAnalyzer{}, &e2eEmbedder{}, &engine.RefImageLoader{}, engCfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = eng.Shutdown(shutdownCtx)
	}()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	srv := NewServer(cfg, eng)
	require.NoError(t, srv.Start())
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	eng.SetOnIngestionComplete(func(entry *types.QueueEntry) {
		srv.Hub().Broadcast(IngestionEvent{
			EntryID:    entry.ID,
			MaterialID: entry.MaterialID,
			Status:     entry.Status,
			Error:      entry.ErrorDetail,
			Attempts:   entry.Attempts,
			Timestamp:  time.Now().UTC(),
		})
	})

	baseURL := "http://" + srv.Addr()

	// Subscribe before ingesting so the completion event is not missed.
	wsCtx, wsCancel := context.WithTimeout(ctx, 10*time.Second)
	defer wsCancel()
	conn, _, err := websocket.Dial(wsCtx, "ws://"+srv.Addr()+"/ws/ingestion", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Enqueue.
	ingestBody, _ := json.Marshal(map[string]interface{}{
		"material_id":  "mat-e2e",
		"image_base64": base64.StdEncoding.EncodeToString(e2eImage()),
		"priority":     5,
	})
	resp, err := http.Post(baseURL+"/api/ingest", "application/json", bytes.NewReader(ingestBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ingested struct {
		EntryID string            `json:"entry_id"`
		Status  types.QueueStatus `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ingested))
	resp.Body.Close()
	assert.Equal(t, types.QueuePending, ingested.Status)

	// Wait until the status endpoint reports completion.
	waitForCompleted(t, baseURL, "mat-e2e")

	// The terminal event arrives on the WebSocket stream.
	_, data, err := conn.Read(wsCtx)
	require.NoError(t, err)
	var event IngestionEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "mat-e2e", event.MaterialID)
	assert.Equal(t, types.QueueCompleted, event.Status)

	// The analysis result is retrievable.
	resp, err = http.Get(baseURL + "/api/materials/mat-e2e")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []*types.AnalysisResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	resp.Body.Close()
	require.Len(t, results, 1)
	assert.Equal(t, "marble", results[0].Properties.MaterialType)

	// Fusion search over both spaces finds the material at full score.
	searchBody, _ := json.Marshal(map[string]interface{}{
		"text":         "white marble with grey veining",
		"image_base64": base64.StdEncoding.EncodeToString(e2eImage()),
	})
	resp, err = http.Post(baseURL+"/api/search", "application/json", bytes.NewReader(searchBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var search engine.QueryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&search))
	resp.Body.Close()

	assert.Equal(t, types.QueryCompleted, search.State)
	require.Len(t, search.Results, 1)
	assert.Equal(t, "mat-e2e", search.Results[0].MaterialID)
	assert.InDelta(t, 1.0, search.Results[0].CombinedScore, 1e-3)
}

func waitForCompleted(t *testing.T, baseURL, materialID string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/api/materials/%s/status", baseURL, materialID))
		require.NoError(t, err)
		var status struct {
			Status      types.QueueStatus `json:"status"`
			ErrorDetail string            `json:"error_detail"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		resp.Body.Close()

		if status.Status == types.QueueCompleted {
			return
		}
		if status.Status.IsTerminal() {
			t.Fatalf("ingestion ended in %s: %s", status.Status, status.ErrorDetail)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("material %s did not complete in time", materialID)
}
