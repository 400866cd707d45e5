package orchestrator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/pipeline"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLedger struct {
	mu      sync.Mutex
	records []*core.RunRecord
	findErr error
}

func (l *fakeLedger) RecordRun(_ context.Context, dateKey string, slot core.Slot, runType core.RunType) (*core.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := &core.RunRecord{
		DateKey:       dateKey,
		RunID:         core.NewUUIDv7(),
		ScheduledTime: slot,
		RunType:       runType,
		Status:        core.RunStatusCompleted,
		RunTime:       time.Now(),
		RecordedAt:    time.Now(),
	}
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *fakeLedger) FindCompletedRun(_ context.Context, dateKey string, slot core.Slot) (*core.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findErr != nil {
		return nil, l.findErr
	}
	for _, r := range l.records {
		if r.DateKey == dateKey && r.ScheduledTime == slot && r.Completed() {
			return r, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) ListRuns(_ context.Context, dateKey string) ([]*core.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*core.RunRecord
	for _, r := range l.records {
		if r.DateKey == dateKey {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *fakeLedger) byType(runType core.RunType) []*core.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*core.RunRecord
	for _, r := range l.records {
		if r.RunType == runType {
			out = append(out, r)
		}
	}
	return out
}

type fakeBudget struct {
	mu      sync.Mutex
	entries map[string]core.RetryBudgetEntry
}

func newFakeBudget() *fakeBudget {
	return &fakeBudget{entries: make(map[string]core.RetryBudgetEntry)}
}

func (b *fakeBudget) Update(_ context.Context, key string, mutate func(*core.RetryBudgetEntry) bool) (core.RetryBudgetEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.entries[key]
	if !mutate(&cur) {
		return cur, false, nil
	}
	b.entries[key] = cur
	return cur, true, nil
}

func (b *fakeBudget) All(context.Context) ([]core.RetryBudgetEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.RetryBudgetEntry, 0, len(b.entries))
	for key, e := range b.entries {
		e.SourceKey = key
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out, nil
}

type mockDownloader struct {
	downloadFunc func(ctx context.Context, dateKey string) (pipeline.DownloadResult, error)
}

func (m *mockDownloader) Download(ctx context.Context, dateKey string) (pipeline.DownloadResult, error) {
	return m.downloadFunc(ctx, dateKey)
}

type mockSources struct {
	sourcesFunc func(ctx context.Context, dir string) ([]core.Source, error)
	listFunc    func(ctx context.Context) ([]core.Source, error)
}

func (m *mockSources) Sources(ctx context.Context, dir string) ([]core.Source, error) {
	return m.sourcesFunc(ctx, dir)
}

func (m *mockSources) ListSources(ctx context.Context) ([]core.Source, error) {
	return m.listFunc(ctx)
}

type mockIngester struct {
	ingestFunc func(ctx context.Context, paths []string) (pipeline.IngestResult, error)
}

func (m *mockIngester) Ingest(ctx context.Context, sources []core.Source) (pipeline.IngestResult, error) {
	paths := make([]string, len(sources))
	for i, src := range sources {
		paths[i] = src.Path
	}
	return m.ingestFunc(ctx, paths)
}

type mockEnricher struct {
	enrichFunc func(ctx context.Context, src core.Source, opts pipeline.EnrichOptions) string
}

func (m *mockEnricher) Enrich(ctx context.Context, src core.Source, opts pipeline.EnrichOptions) string {
	if m.enrichFunc == nil {
		return src.Path
	}
	return m.enrichFunc(ctx, src, opts)
}

type mockProbe struct {
	hasDataFunc  func(ctx context.Context, dateKey string) (bool, error)
	coverageFunc func(ctx context.Context, dateKey string) (core.Coverage, error)
}

func (m *mockProbe) HasData(ctx context.Context, dateKey string) (bool, error) {
	return m.hasDataFunc(ctx, dateKey)
}

func (m *mockProbe) Coverage(ctx context.Context, dateKey string) (core.Coverage, error) {
	return m.coverageFunc(ctx, dateKey)
}

type mockAnalyzer struct {
	analyzeFunc func(ctx context.Context, path string) (pipeline.CSVCoverage, error)
}

func (m *mockAnalyzer) Analyze(ctx context.Context, path string) (pipeline.CSVCoverage, error) {
	return m.analyzeFunc(ctx, path)
}

// testEnv is an orchestrator wired to in-memory fakes. Every download finds
// one source with one ingestible row and the store holds no data.
type testEnv struct {
	orch   *Orchestrator
	clock  *testClock
	ledger *fakeLedger
	budget *fakeBudget
	dl     *mockDownloader
	src    *mockSources
	ing    *mockIngester
	enr    *mockEnricher
	probe  *mockProbe
	an     *mockAnalyzer
}

func testLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := core.LoadLocation(core.DefaultTimezone)
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	return loc
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:  &testClock{t: now},
		ledger: &fakeLedger{},
		budget: newFakeBudget(),
		dl: &mockDownloader{downloadFunc: func(_ context.Context, dateKey string) (pipeline.DownloadResult, error) {
			return pipeline.DownloadResult{FilesFound: true, DateKey: "2025-07-27", Dir: "/audit/2025-07-27", Files: 1}, nil
		}},
		src: &mockSources{
			sourcesFunc: func(context.Context, string) ([]core.Source, error) {
				return []core.Source{{Path: "/audit/a.csv", RestaurantID: "42", DateKey: "2025-07-27"}}, nil
			},
			listFunc: func(context.Context) ([]core.Source, error) { return nil, nil },
		},
		ing: &mockIngester{ingestFunc: func(_ context.Context, paths []string) (pipeline.IngestResult, error) {
			return pipeline.IngestResult{Processed: len(paths)}, nil
		}},
		enr: &mockEnricher{},
		probe: &mockProbe{
			hasDataFunc:  func(context.Context, string) (bool, error) { return false, nil },
			coverageFunc: func(context.Context, string) (core.Coverage, error) { return core.Coverage{}, nil },
		},
		an: &mockAnalyzer{analyzeFunc: func(context.Context, string) (pipeline.CSVCoverage, error) {
			return pipeline.CSVCoverage{Total: 100}, nil
		}},
	}
	env.orch = New(Config{Location: now.Location()}, Deps{
		Ledger: env.ledger,
		Budget: env.budget,
		Pipeline: Pipeline{
			Downloader: env.dl,
			Sources:    env.src,
			Lister:     env.src,
			Ingester:   env.ing,
			Enricher:   env.enr,
			Probe:      env.probe,
			Analyzer:   env.an,
		},
		Clock: env.clock.Now,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.orch.Wait(ctx)
	})
	return env
}

func waitTasks(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
