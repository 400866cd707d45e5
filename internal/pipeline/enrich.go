package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
)

// stageRegisteredPans fetches the registered pan images of a restaurant;
// pan recognition is skipped when it fails.
const stageRegisteredPans Stage = "registered_pans"

const maxStageResponse = 1 << 20

type stageRequest struct {
	CSVPath      string `json:"csv_path"`
	ScanFolder   string `json:"scan_folder"`
	RestaurantID string `json:"restaurant_id"`
}

type stageResponse struct {
	CSVPath string `json:"csv_path"`
}

// HTTPEnricher implements Enricher by calling one endpoint per stage of an
// enrichment service sharing the audit directory:
//
//	POST {base}/v1/stages/{stage}  {"csv_path", "scan_folder", "restaurant_id"}
//	-> {"csv_path": path of the enriched file}
type HTTPEnricher struct {
	baseURL string
	client  *http.Client
	stats   *CSVAnalyzer
}

// NewHTTPEnricher creates an HTTPEnricher. Each stage call is bounded by
// timeout.
func NewHTTPEnricher(baseURL string, timeout time.Duration, stats *CSVAnalyzer) *HTTPEnricher {
	return &HTTPEnricher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		stats:   stats,
	}
}

// Enrich implements Enricher. Without a base URL enrichment is disabled
// and src.Path is returned unchanged.
func (e *HTTPEnricher) Enrich(ctx context.Context, src core.Source, opts EnrichOptions) string {
	if e.baseURL == "" {
		return src.Path
	}
	stages := opts.Stages
	if len(stages) == 0 {
		stages = AllStages
	}

	current := src.Path
	for _, stage := range stages {
		if stage == StagePanRecognition {
			if _, err := e.runStage(ctx, stageRegisteredPans, src, current); err != nil {
				slog.Warn("registered pans unavailable, skipping pan recognition",
					"source", src.Path, "restaurant_id", src.RestaurantID, "error", err)
				continue
			}
		}

		out, err := e.runStage(ctx, stage, src, current)
		if err != nil {
			slog.Warn("enrichment stage failed or skipped", "stage", stage, "source", src.Path, "error", err)
			continue
		}
		if out != "" {
			current = out
		}
		e.logStats(current, stage)
	}
	return current
}

func (e *HTTPEnricher) runStage(ctx context.Context, stage Stage, src core.Source, csvPath string) (string, error) {
	body, err := json.Marshal(stageRequest{
		CSVPath:      csvPath,
		ScanFolder:   src.ScanFolder,
		RestaurantID: src.RestaurantID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/stages/"+string(stage), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStageResponse))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("stage %s: HTTP %d: %s", stage, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out stageResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("stage %s: decode response: %w", stage, err)
		}
	}
	return out.CSVPath, nil
}

func (e *HTTPEnricher) logStats(path string, stage Stage) {
	if e.stats == nil {
		return
	}
	st, err := e.stats.Stats(path)
	if err != nil {
		slog.Warn("could not compute enrichment stats", "stage", stage, "path", path, "error", err)
		return
	}
	slog.Info("enrichment stats", "stage", stage,
		"genai_pan", st.GenAI, "yolo_pan", st.YOLO, "corner_pan", st.Corner)
}
