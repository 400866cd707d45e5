package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/openjobspec/scan-populator/internal/core"
)

const (
	archivePattern      = "ScansToAudit*.zip"
	scanFolderMarker    = "ScansToAudit"
	venueSummaryMarker  = "Venue_Summaries"
	maxExtractedFileLen = 1 << 30
)

var (
	dateInPath     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	dateTimeInName = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(_\d{2}-\d{2})?`)
)

// LocalSources finds scan sources on the local filesystem under an audit
// root directory.
type LocalSources struct {
	root string
}

// NewLocalSources creates a LocalSources rooted at the audit directory.
func NewLocalSources(root string) *LocalSources {
	return &LocalSources{root: root}
}

// Sources implements SourceFinder: it extracts the archives of dir and
// returns the sources found under it.
func (l *LocalSources) Sources(ctx context.Context, dir string) ([]core.Source, error) {
	if dir == "" {
		dir = l.root
	}
	if err := ExtractArchives(dir); err != nil {
		return nil, err
	}
	return findSources(ctx, dir)
}

// ListSources implements SourceLister over the whole audit root.
func (l *LocalSources) ListSources(ctx context.Context) ([]core.Source, error) {
	return findSources(ctx, l.root)
}

func findSources(ctx context.Context, dir string) ([]core.Source, error) {
	var sources []core.Source
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}
		if strings.Contains(d.Name(), venueSummaryMarker) {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		id := RestaurantIDFromPath(rel)
		if id == "" {
			slog.Warn("could not derive restaurant id from path", "path", path)
			return nil
		}

		sources = append(sources, core.Source{
			Path:         path,
			ScanFolder:   filepath.Dir(path),
			RestaurantID: id,
			DateKey:      DateFromPath(rel),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Path < sources[j].Path })
	return sources, nil
}

// RestaurantIDFromPath derives the restaurant id of a source: the first
// all-digit path segment, or a numeric token of a ScansToAudit-... folder
// name once its date/time stamp is removed.
func RestaurantIDFromPath(path string) string {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if isDigits(part) {
			return part
		}
		if strings.Contains(part, scanFolderMarker) && strings.Contains(part, "-") {
			name := dateTimeInName.ReplaceAllString(part, "")
			for _, tok := range strings.Split(name, "-") {
				if tok = strings.TrimSpace(tok); isDigits(tok) {
					return tok
				}
			}
		}
	}
	return ""
}

// DateFromPath returns the last YYYY-MM-DD found in path, or "".
func DateFromPath(path string) string {
	matches := dateInPath.FindAllString(path, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractArchives extracts every ScansToAudit*.zip of dir into a sibling
// folder named after the archive. Archives whose folder already exists are
// skipped. An archive wrapping everything in a top-level folder of its own
// name is flattened into the target folder.
func ExtractArchives(dir string) error {
	zips, err := filepath.Glob(filepath.Join(dir, archivePattern))
	if err != nil {
		return err
	}
	sort.Strings(zips)

	for _, zipPath := range zips {
		target := strings.TrimSuffix(zipPath, filepath.Ext(zipPath))
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := extractArchive(zipPath, target); err != nil {
			return fmt.Errorf("extract %s: %w", zipPath, err)
		}
		slog.Info("extracted archive", "archive", zipPath, "target", target)
	}
	return nil
}

func extractArchive(zipPath, target string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	nested := filepath.Base(target) + "/"
	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, nested)
		if name == "" {
			continue
		}

		dest := filepath.Join(target, filepath.FromSlash(name))
		if !strings.HasPrefix(dest, filepath.Clean(target)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := writeZipEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxExtractedFileLen)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
