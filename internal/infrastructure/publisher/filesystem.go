package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
)

const latestName = "latest.md"

// Filesystem publishes a report as <primary>/latest.md and keeps a dated copy under
// <archive>/YYYY/MM/. Both copies are written through a temp file and renamed.
type Filesystem struct {
	primaryDir string
	archiveDir string
	now        func() time.Time
}

var _ ports.Publisher = (*Filesystem)(nil)

func NewFilesystem(primaryDir, archiveDir string) *Filesystem {
	return &Filesystem{primaryDir: primaryDir, archiveDir: archiveDir, now: time.Now}
}

// Publish copies reportPath to the primary and archive locations. An empty archive dir
// disables archiving.
func (f *Filesystem) Publish(ctx context.Context, reportPath string) (domain.Publication, error) {
	if reportPath == "" {
		return domain.Publication{}, errors.New("publish: empty report path")
	}
	if f.primaryDir == "" {
		return domain.Publication{}, errors.New("publish: primary dir is not configured")
	}

	primary := filepath.Join(f.primaryDir, latestName)
	if err := copyAtomic(ctx, reportPath, primary); err != nil {
		return domain.Publication{}, fmt.Errorf("publish primary: %w", err)
	}
	pub := domain.Publication{PrimaryLocation: primary}

	if f.archiveDir == "" {
		return pub, nil
	}
	month := f.now().UTC().Format("2006/01")
	archive := filepath.Join(f.archiveDir, filepath.FromSlash(month), filepath.Base(reportPath))
	if err := copyAtomic(ctx, reportPath, archive); err != nil {
		return pub, fmt.Errorf("publish archive: %w", err)
	}
	pub.ArchiveLocation = archive
	return pub, nil
}

func copyAtomic(ctx context.Context, src, dst string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".publish-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
