package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// BackupPrefix prefixes every backup file and object name.
const BackupPrefix = "otp-backup-"

// BackupName returns the file name for a backup taken at t.
// Names sort chronologically.
func BackupName(t time.Time) string {
	return BackupPrefix + t.UTC().Format("20060102-150405") + ".db"
}

// PruneLocal deletes all but the newest keep backups in dir.
func PruneLocal(dir string, keep int, logger *slog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), BackupPrefix) || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		names = append(names, entry.Name())
	}

	removed := 0
	for _, name := range stale(names, keep) {
		p := filepath.Join(dir, name)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove old backup", "path", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Pruned local backups", "dir", dir, "removed", removed, "kept", keep)
	}
	return removed, nil
}

// stale returns the names beyond the newest keep, assuming names sort by age.
func stale(names []string, keep int) []string {
	if keep < 0 {
		keep = 0
	}
	if len(names) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names[keep:]
}

// Bucket mirrors local backups to Google Cloud Storage.
type Bucket struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// NewBucket creates a mirror writing objects under prefix in bucket.
func NewBucket(client *storage.Client, bucket, prefix string, logger *slog.Logger) *Bucket {
	return &Bucket{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Upload copies the local file to the bucket and returns the object name.
func (b *Bucket) Upload(ctx context.Context, localPath string) (string, error) {
	key := path.Join(b.prefix, filepath.Base(localPath))

	err := retry.Do(
		func() error {
			f, err := os.Open(localPath)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("open backup: %w", err))
			}
			defer func() {
				if closeErr := f.Close(); closeErr != nil {
					b.logger.Warn("Failed to close backup file", "error", closeErr)
				}
			}()

			w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/vnd.sqlite3"
			if _, copyErr := io.Copy(w, f); copyErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", copyErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			b.logger.Info("Retrying backup upload after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("upload after retries: %w", err)
	}

	b.logger.Info("Backup uploaded", "bucket", b.bucket, "key", key)
	return key, nil
}

// Prune deletes all but the newest keep backup objects.
func (b *Bucket) Prune(ctx context.Context, keep int) (int, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{
		Prefix: path.Join(b.prefix, BackupPrefix),
	})

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("iterate storage: %w", err)
		}
		names = append(names, attrs.Name)
	}

	removed := 0
	for _, name := range stale(names, keep) {
		if err := b.client.Bucket(b.bucket).Object(name).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			b.logger.Warn("Failed to delete old backup", "key", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("Pruned bucket backups", "bucket", b.bucket, "removed", removed, "kept", keep)
	}
	return removed, nil
}
