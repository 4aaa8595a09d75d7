package kiln

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// archiveFor returns the archive of the installed package, or the last build
// of the current recipe when it is not installed.
func (e *Engine) archiveFor(name string) (string, error) {
	if rec, ok := e.manifest.Get(name); ok && rec.Archive != "" {
		if _, err := os.Stat(rec.Archive); err == nil {
			return rec.Archive, nil
		}
	}
	r, err := e.recipes.Resolve(name)
	if err != nil {
		return "", err
	}
	archive := e.packager.ArchivePath(r.Name, r.Version)
	if _, err := os.Stat(archive); err != nil {
		return "", fmt.Errorf("no package archive for %s, build it first: %w", name, err)
	}
	return archive, nil
}

// Push uploads the archive of name and its BLAKE3 digest to the mirror bucket
// under packages/. It returns the archive key.
func (e *Engine) Push(ctx context.Context, name string) (string, error) {
	archive, err := e.archiveFor(name)
	if err != nil {
		return "", err
	}
	sum, err := ComputeChecksum(archive)
	if err != nil {
		return "", err
	}

	client, err := NewMirrorClient(ctx, e.cfg.Mirror, e.cfg.Debug)
	if err != nil {
		return "", err
	}

	key := "packages/" + filepath.Base(archive)
	e.out.step("Uploading %s to s3://%s/%s", filepath.Base(archive), client.BucketName, key)
	if err := client.UploadLocalFile(ctx, key, archive); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	sumLine := sum + "  " + filepath.Base(archive) + "\n"
	if err := client.UploadFile(ctx, key+".b3sum", strings.NewReader(sumLine), int64(len(sumLine))); err != nil {
		return "", fmt.Errorf("upload %s.b3sum: %w", key, err)
	}
	return key, nil
}
