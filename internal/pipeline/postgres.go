package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openjobspec/scan-populator/internal/core"
)

const (
	samplesPerFile   = 3
	ingestBatchSize  = 500
	defaultDBTimeout = 20 * time.Second
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scan_audit (
	restaurant_date TEXT NOT NULL,
	scan_id         TEXT NOT NULL,
	restaurant_id   TEXT NOT NULL,
	scan_date       DATE NOT NULL,
	source_file     TEXT NOT NULL DEFAULT '',
	attributes      JSONB NOT NULL DEFAULT '{}'::jsonb,
	ingested_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (restaurant_date, scan_id)
);
CREATE INDEX IF NOT EXISTS scan_audit_scan_date_idx ON scan_audit (scan_date);
`

const upsertSQL = `
INSERT INTO scan_audit (restaurant_date, scan_id, restaurant_id, scan_date, source_file, attributes)
VALUES ($1, $2, $3, $4::date, $5, $6::jsonb)
ON CONFLICT (restaurant_date, scan_id) DO UPDATE
SET attributes  = scan_audit.attributes || EXCLUDED.attributes,
    source_file = EXCLUDED.source_file,
    ingested_at = now()`

const coverageSQL = `
SELECT count(*),
       count(*) FILTER (WHERE EXISTS (
           SELECT 1 FROM jsonb_each_text(attributes) AS a(key, value)
           WHERE a.key = ANY($2) AND btrim(a.value) <> '' AND lower(btrim(a.value)) <> 'nan'))
FROM scan_audit
WHERE scan_date = $1::date`

// Postgres implements Ingester, Verifier and DataProbe on PostgreSQL.
type Postgres struct {
	pool    *pgxpool.Pool
	aliases Aliases
}

// OpenPostgres connects to dsn, retrying with exponential backoff for at
// most connectTimeout, and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, connectTimeout time.Duration, aliases Aliases) (*Postgres, error) {
	if connectTimeout <= 0 {
		connectTimeout = defaultDBTimeout
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = connectTimeout

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(connectTimeout))
	if err != nil {
		pool.Close()
		return nil, core.NewUnavailableError("database", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Info("database connection pool created successfully")
	return &Postgres{pool: pool, aliases: aliases}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		slog.Info("closing database connection pool")
		p.pool.Close()
	}
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// scanRow is one CSV row mapped onto the scan_audit table.
type scanRow struct {
	RestaurantDate string
	ScanID         string
	RestaurantID   string
	ScanDate       string
	Attributes     map[string]string
}

// mapRow maps a CSV row of src. Missing restaurant ids and dates are taken
// from src. It returns false for rows lacking a scan id, restaurant id or
// date.
func mapRow(t *table, row []string, src core.Source, aliases Aliases) (scanRow, bool) {
	r := scanRow{
		ScanID:       trimmed(t.value(row, aliases.ScanID)),
		RestaurantID: trimmed(t.value(row, aliases.RestaurantID)),
	}
	if r.RestaurantID == "" {
		r.RestaurantID = src.RestaurantID
	}
	if d := trimmed(t.value(row, aliases.ScanDate)); len(d) >= 10 {
		if _, err := time.Parse(core.DateLayout, d[:10]); err == nil {
			r.ScanDate = d[:10]
		}
	}
	if r.ScanDate == "" {
		r.ScanDate = src.DateKey
	}
	if r.ScanID == "" || r.RestaurantID == "" || r.ScanDate == "" {
		return r, false
	}
	r.RestaurantDate = r.RestaurantID + "#" + r.ScanDate

	r.Attributes = make(map[string]string, len(t.header))
	for name, i := range t.header {
		if i < len(row) && present(row[i]) {
			r.Attributes[name] = row[i]
		}
	}
	return r, true
}

// Ingest implements Ingester. A failing file is logged and skipped; the
// returned error joins the per-file failures.
func (p *Postgres) Ingest(ctx context.Context, sources []core.Source) (IngestResult, error) {
	var res IngestResult
	var errs []error

	for _, src := range sources {
		path := src.Path
		processed, skipped, err := p.ingestFile(ctx, src)
		res.Processed += processed
		res.Skipped += skipped
		if err != nil {
			slog.Error("failed to ingest file", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		slog.Info("ingested file", "path", path, "processed", processed, "skipped", skipped)
	}
	return res, errors.Join(errs...)
}

func (p *Postgres) ingestFile(ctx context.Context, src core.Source) (int, int, error) {
	t, err := readTable(src.Path)
	if err != nil {
		return 0, 0, err
	}

	processed, skipped := 0, 0
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		n := batch.Len()
		br := p.pool.SendBatch(ctx, batch)
		for i := 0; i < n; i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		batch = &pgx.Batch{}
		if err := br.Close(); err != nil {
			return err
		}
		processed += n
		return nil
	}

	source := filepath.Base(src.Path)
	for _, row := range t.rows {
		r, ok := mapRow(t, row, src, p.aliases)
		if !ok {
			skipped++
			continue
		}
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			skipped++
			continue
		}
		batch.Queue(upsertSQL, r.RestaurantDate, r.ScanID, r.RestaurantID, r.ScanDate, source, string(attrs))
		if batch.Len() >= ingestBatchSize {
			if err := flush(); err != nil {
				return processed, skipped, err
			}
		}
	}
	if err := flush(); err != nil {
		return processed, skipped, err
	}
	return processed, skipped, nil
}

// Verify implements Verifier: stored row counts per restaurant/date are
// compared with the source files, then a few rows per file are looked up.
func (p *Postgres) Verify(ctx context.Context, sources []core.Source) (VerifyReport, error) {
	var report VerifyReport
	expected := make(map[string]int)
	type key struct{ rd, scan string }
	var samples []key

	for _, src := range sources {
		t, err := readTable(src.Path)
		if err != nil {
			slog.Error("failed computing expected counts", "path", src.Path, "error", err)
			continue
		}
		var mapped []key
		for _, row := range t.rows {
			r, ok := mapRow(t, row, src, p.aliases)
			if !ok {
				continue
			}
			expected[r.RestaurantDate]++
			mapped = append(mapped, key{r.RestaurantDate, r.ScanID})
		}
		samples = append(samples, sampleRows(mapped)...)
	}

	partitions := make([]string, 0, len(expected))
	for rd := range expected {
		partitions = append(partitions, rd)
	}
	sort.Strings(partitions)

	for _, rd := range partitions {
		var found int
		err := p.pool.QueryRow(ctx, `SELECT count(*) FROM scan_audit WHERE restaurant_date = $1`, rd).Scan(&found)
		if err != nil {
			return report, fmt.Errorf("count %s: %w", rd, err)
		}
		if found == expected[rd] {
			report.OK++
		} else {
			report.Mismatches = append(report.Mismatches, Mismatch{RestaurantDate: rd, Expected: expected[rd], Found: found})
		}
	}

	for _, s := range samples {
		var exists bool
		err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM scan_audit WHERE restaurant_date = $1 AND scan_id = $2)`,
			s.rd, s.scan).Scan(&exists)
		if err != nil {
			return report, fmt.Errorf("sample %s/%s: %w", s.rd, s.scan, err)
		}
		report.Checked++
		if !exists {
			report.Missing = append(report.Missing, s.rd+"/"+s.scan)
		}
	}
	return report, nil
}

// sampleRows picks the first, middle and last rows.
func sampleRows[T any](rows []T) []T {
	if len(rows) <= samplesPerFile {
		return rows
	}
	return []T{rows[0], rows[len(rows)/2], rows[len(rows)-1]}
}

// HasData implements DataProbe.
func (p *Postgres) HasData(ctx context.Context, dateKey string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scan_audit WHERE scan_date = $1::date)`, dateKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("probe data for %s: %w", dateKey, err)
	}
	return exists, nil
}

// Coverage implements DataProbe.
func (p *Postgres) Coverage(ctx context.Context, dateKey string) (core.Coverage, error) {
	var cov core.Coverage
	err := p.pool.QueryRow(ctx, coverageSQL, dateKey, p.aliases.Coverage).Scan(&cov.Total, &cov.WithPan)
	if err != nil {
		return cov, fmt.Errorf("coverage for %s: %w", dateKey, err)
	}
	return cov, nil
}

func trimmed(s string) string {
	if !present(s) {
		return ""
	}
	return strings.TrimSpace(s)
}
