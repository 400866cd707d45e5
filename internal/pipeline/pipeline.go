// Package pipeline holds the boundary between the population orchestrator
// and its external collaborators: the object-store downloader, the archive
// extractor, the enrichment service and the relational store.
//
// The orchestrator consumes the interfaces below; the concrete adapters in
// this package implement them on MinIO/S3, the local filesystem, an HTTP
// enrichment service and PostgreSQL.
package pipeline

import (
	"context"

	"github.com/openjobspec/scan-populator/internal/core"
)

// DownloadResult describes what a download placed on local disk.
type DownloadResult struct {
	// FilesFound is false when the object store had nothing for the date.
	FilesFound bool
	// DateKey is the resolved date; for "latest" requests the newest date
	// present in the store.
	DateKey string
	// Dir is the local directory holding the downloaded archives.
	Dir   string
	Files int
}

// Downloader fetches raw scan archives for a date key, or the newest date
// when dateKey is empty or core.LatestKey.
type Downloader interface {
	Download(ctx context.Context, dateKey string) (DownloadResult, error)
}

// SourceFinder extracts archives under dir and returns the ingestible sources.
type SourceFinder interface {
	Sources(ctx context.Context, dir string) ([]core.Source, error)
}

// SourceLister lists every source currently present in the audit directory.
type SourceLister interface {
	ListSources(ctx context.Context) ([]core.Source, error)
}

// IngestResult counts ingested and skipped rows.
type IngestResult struct {
	Processed int
	Skipped   int
}

// Ingester loads source files into the relational store. Each source's
// Path is the file to read; its RestaurantID and DateKey fill rows that
// lack those columns.
type Ingester interface {
	Ingest(ctx context.Context, sources []core.Source) (IngestResult, error)
}

// Stage is one step of the enrichment pipeline.
type Stage string

const (
	StageGenAIAction    Stage = "genai_action"
	StagePanRecognition Stage = "pan_recognition"
	StageYOLO           Stage = "yolo"
	StageCorner         Stage = "corner"
)

// AllStages is the full enrichment pipeline run during population.
var AllStages = []Stage{StageGenAIAction, StagePanRecognition, StageYOLO, StageCorner}

// RetryStages are the stages re-run by smart retry.
var RetryStages = []Stage{StagePanRecognition, StageYOLO, StageCorner}

// EnrichOptions selects the stages to run.
type EnrichOptions struct {
	Stages []Stage
}

// Enricher runs enrichment stages over a source. It is best-effort: stage
// failures are logged and skipped, and it returns the most enriched file
// produced, or src.Path when nothing succeeded.
type Enricher interface {
	Enrich(ctx context.Context, src core.Source, opts EnrichOptions) string
}

// Mismatch is a restaurant/date partition whose stored row count differs
// from the source files.
type Mismatch struct {
	RestaurantDate string `json:"restaurant_date"`
	Expected       int    `json:"expected"`
	Found          int    `json:"found"`
}

// VerifyReport summarizes post-ingest verification.
type VerifyReport struct {
	OK         int        `json:"ok"`
	Mismatches []Mismatch `json:"mismatches"`
	Checked    int        `json:"sample_checked"`
	Missing    []string   `json:"sample_missing"`
}

// Verifier compares ingested rows with their source files.
type Verifier interface {
	Verify(ctx context.Context, sources []core.Source) (VerifyReport, error)
}

// DataProbe reads back the relational store.
type DataProbe interface {
	// HasData reports whether any row exists for dateKey.
	HasData(ctx context.Context, dateKey string) (bool, error)
	// Coverage counts rows of dateKey and rows carrying an identifier guess.
	Coverage(ctx context.Context, dateKey string) (core.Coverage, error)
}

// CSVCoverage counts the rows of a source file without any identifier guess.
type CSVCoverage struct {
	Total   int
	Missing int
}

// MissingRatio returns Missing/Total, or 0 for an empty file.
func (c CSVCoverage) MissingRatio() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Missing) / float64(c.Total)
}

// CoverageAnalyzer inspects a source file for enrichment shortfalls.
type CoverageAnalyzer interface {
	Analyze(ctx context.Context, path string) (CSVCoverage, error)
}
