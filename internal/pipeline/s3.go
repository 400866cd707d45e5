package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/scan-populator/internal/core"
)

const (
	downloadParallelism = 4
	downloadMaxTries    = 3
)

// objectStore is the subset of *minio.Client used by S3Downloader.
type objectStore interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// S3Config configures the object-store downloader.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Prefix is the key prefix under which one folder per date lives:
	// <prefix>/<YYYY-MM-DD>/ScansToAudit-*.zip
	Prefix string
	// Dir is the local audit directory downloads are written to.
	Dir string
}

// S3Downloader implements Downloader on an S3-compatible object store.
type S3Downloader struct {
	store  objectStore
	bucket string
	prefix string
	dir    string
}

// NewS3Downloader connects to the object store described by cfg.
func NewS3Downloader(cfg S3Config) (*S3Downloader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return newS3Downloader(client, cfg), nil
}

func newS3Downloader(store objectStore, cfg S3Config) *S3Downloader {
	return &S3Downloader{
		store:  store,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		dir:    cfg.Dir,
	}
}

func (d *S3Downloader) key(parts ...string) string {
	if d.prefix != "" {
		parts = append([]string{d.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Download implements Downloader.
func (d *S3Downloader) Download(ctx context.Context, dateKey string) (DownloadResult, error) {
	if dateKey == "" || dateKey == core.LatestKey {
		latest, err := d.latestDate(ctx)
		if err != nil {
			return DownloadResult{}, err
		}
		if latest == "" {
			slog.Warn("object store has no dated folders", "bucket", d.bucket, "prefix", d.prefix)
			return DownloadResult{DateKey: core.LatestKey}, nil
		}
		dateKey = latest
	}

	res := DownloadResult{DateKey: dateKey, Dir: filepath.Join(d.dir, dateKey)}

	objects, err := d.list(ctx, d.key(dateKey)+"/", true)
	if err != nil {
		return res, err
	}
	var archives []minio.ObjectInfo
	for _, obj := range objects {
		if strings.EqualFold(path.Ext(obj.Key), ".zip") {
			archives = append(archives, obj)
		}
	}
	if len(archives) == 0 {
		return res, nil
	}

	if err := os.MkdirAll(res.Dir, 0o755); err != nil {
		return res, fmt.Errorf("create download dir: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(downloadParallelism)
	for _, obj := range archives {
		g.Go(func() error {
			return d.fetch(gCtx, obj, filepath.Join(res.Dir, path.Base(obj.Key)))
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	res.FilesFound = true
	res.Files = len(archives)
	slog.Info("downloaded scan archives", "date", dateKey, "files", res.Files, "dir", res.Dir)
	return res, nil
}

// fetch downloads one object unless an identical-size copy is already local.
func (d *S3Downloader) fetch(ctx context.Context, obj minio.ObjectInfo, dest string) error {
	if st, err := os.Stat(dest); err == nil && st.Size() == obj.Size {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.store.FGetObject(ctx, d.bucket, obj.Key, dest, minio.GetObjectOptions{})
		if err != nil {
			switch minio.ToErrorResponse(err).Code {
			case "NoSuchKey", "AccessDenied", "NoSuchBucket":
				return struct{}{}, backoff.Permanent(err)
			}
			slog.Warn("object download failed, retrying", "key", obj.Key, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(downloadMaxTries))
	if err != nil {
		return fmt.Errorf("download %s: %w", obj.Key, err)
	}
	return nil
}

// latestDate returns the newest YYYY-MM-DD folder under the prefix.
func (d *S3Downloader) latestDate(ctx context.Context) (string, error) {
	base := ""
	if d.prefix != "" {
		base = d.prefix + "/"
	}
	objects, err := d.list(ctx, base, false)
	if err != nil {
		return "", err
	}

	var dates []string
	for _, obj := range objects {
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, base), "/")
		if _, err := core.ParseDateKey(name); err == nil {
			dates = append(dates, name)
		}
	}
	if len(dates) == 0 {
		return "", nil
	}
	sort.Strings(dates)
	return dates[len(dates)-1], nil
}

func (d *S3Downloader) list(ctx context.Context, prefix string, recursive bool) ([]minio.ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []minio.ObjectInfo
	for obj := range d.store.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", d.bucket, prefix, obj.Err)
		}
		out = append(out, obj)
	}
	return out, nil
}
