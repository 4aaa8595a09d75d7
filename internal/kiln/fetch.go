package kiln

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zip"
)

// Fetcher obtains source trees and patch files for recipes.
type Fetcher interface {
	// Fetch returns a directory holding r's unpacked source tree.
	Fetch(ctx context.Context, r *Recipe) (string, error)
	// FetchPatch returns a local path for one patch locator of r.
	FetchPatch(ctx context.Context, r *Recipe, locator string) (string, error)
}

var sourceArchiveExts = []string{".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".tar.zst", ".tar", ".zip"}

func isSourceArchive(name string) bool {
	for _, ext := range sourceArchiveExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// SourceFetcher understands http(s) downloads, git+ checkouts, s3:// objects on
// the mirror, and local files or directories.
type SourceFetcher struct {
	cfg    Config
	exec   *Executor
	out    *reporter
	client *http.Client
	mirror *MirrorClient
}

func NewSourceFetcher(cfg Config, exec *Executor, out *reporter) *SourceFetcher {
	return &SourceFetcher{cfg: cfg, exec: exec, out: out, client: newHTTPClient()}
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some upstreams are slow to complete a handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second,
	}
}

// treeDir is where the unpacked sources of r live.
func (f *SourceFetcher) treeDir(r *Recipe) string {
	return filepath.Join(f.cfg.SourcesDir, r.FullName())
}

// Fetch prepares the source tree for r. Every failure is a FetchError.
func (f *SourceFetcher) Fetch(ctx context.Context, r *Recipe) (string, error) {
	dest := f.treeDir(r)
	if err := f.fetch(ctx, r, dest); err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return "", err
		}
		return "", &FetchError{Locator: r.Source, Err: err}
	}
	return dest, nil
}

func (f *SourceFetcher) fetch(ctx context.Context, r *Recipe, dest string) error {
	src := r.Source
	switch {
	case src == "":
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
		return os.MkdirAll(dest, 0o755)
	case r.IsGit():
		return f.fetchGit(r, strings.TrimPrefix(src, GitPrefix), dest)
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		file, err := f.download(ctx, src, f.cfg.SourcesDir)
		if err != nil {
			return err
		}
		return f.unpackSource(file, dest)
	case strings.HasPrefix(src, "s3://"):
		bucket, key, err := parseS3Locator(src)
		if err != nil {
			return err
		}
		file := filepath.Join(f.cfg.SourcesDir, path.Base(key))
		if err := f.downloadS3(ctx, bucket, key, file); err != nil {
			return err
		}
		return f.unpackSource(file, dest)
	default:
		local := strings.TrimPrefix(src, "file://")
		if !filepath.IsAbs(local) && r.Path != "" {
			local = filepath.Join(filepath.Dir(r.Path), local)
		}
		fi, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("local source: %w", err)
		}
		if fi.IsDir() {
			if err := os.RemoveAll(dest); err != nil {
				return err
			}
			f.out.step("Copying source tree %s", local)
			return copyTree(local, dest)
		}
		return f.unpackSource(local, dest)
	}
}

// unpackSource wipes dest and extracts file into it. Plain files that are not
// archives are copied into the fresh tree as-is.
func (f *SourceFetcher) unpackSource(file, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clean source tree %s: %w", dest, err)
	}
	if !isSourceArchive(file) {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		return copyFile(file, filepath.Join(dest, filepath.Base(file)))
	}
	f.out.step("Extracting %s", filepath.Base(file))
	if err := extractSource(file, dest); err != nil {
		return fmt.Errorf("failed to extract %s: %w", file, err)
	}
	return nil
}

// fetchGit clones url into dest, or refreshes an existing checkout. Git output
// goes to the package log. A failed fetch is fatal; a failed reset keeps the
// fetched checkout as it is.
func (f *SourceFetcher) fetchGit(r *Recipe, gitURL, dest string) error {
	logFile, err := openLogFile(f.cfg.LogPath(r.Name))
	if err != nil {
		return err
	}
	defer logFile.Close()

	git := func(args ...string) error {
		return runLogged(f.exec, f.out, logFile, "$ git "+strings.Join(args, " "), exec.Command("git", args...))
	}

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		f.out.step("Updating git repository %s", gitURL)
		if err := git("-C", dest, "fetch", "--all", "-p"); err != nil {
			return fmt.Errorf("git fetch failed for %s: %w", gitURL, err)
		}
		if err := git("-C", dest, "reset", "--hard", "origin/HEAD"); err != nil {
			f.out.warn("git reset failed for %s, keeping the current checkout: %v", gitURL, err)
		}
		return nil
	}

	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f.out.step("Cloning git repository %s", gitURL)
	if err := git("clone", gitURL, dest); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// download fetches rawURL into dir, reusing a cached copy. Concurrent
// downloads of the same file serialize on a sidecar lock.
func (f *SourceFetcher) download(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "", fmt.Errorf("cannot derive a file name from %s", rawURL)
	}
	absPath := filepath.Join(dir, name)

	lock, err := acquireLock(absPath + ".lock")
	if err != nil {
		return "", err
	}
	defer lock.release()

	// another process may have finished the download while we waited
	if _, err := os.Stat(absPath); err == nil {
		f.out.debugf("Using cached %s\n", absPath)
		return absPath, nil
	}

	f.out.debugf("Downloading %s -> %s\n", rawURL, absPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status: %s", resp.Status)
	}

	pf, err := renameio.TempFile("", absPath)
	if err != nil {
		return "", err
	}
	defer pf.Cleanup()
	if err := pf.Chmod(0o644); err != nil {
		return "", err
	}

	bar := f.out.newDownloadBar(resp.ContentLength, name)
	if _, err := io.Copy(io.MultiWriter(pf, bar), resp.Body); err != nil {
		return "", fmt.Errorf("failed to write to destination file: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	return absPath, nil
}

func (f *SourceFetcher) downloadS3(ctx context.Context, bucket, key, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if f.mirror == nil {
		m, err := NewMirrorClient(ctx, f.cfg.Mirror, f.cfg.Debug)
		if err != nil {
			return err
		}
		f.mirror = m
	}
	lock, err := acquireLock(dest + ".lock")
	if err != nil {
		return err
	}
	defer lock.release()
	f.out.step("Downloading s3://%s/%s", bucket, key)
	return f.mirror.DownloadFile(ctx, bucket, key, dest)
}

// FetchPatch resolves a patch locator. Relative paths are looked up next to
// the recipe first, then in the patches directory.
func (f *SourceFetcher) FetchPatch(ctx context.Context, r *Recipe, locator string) (string, error) {
	p, err := f.fetchPatch(ctx, r, locator)
	if err != nil {
		return "", &FetchError{Locator: locator, Err: err}
	}
	return p, nil
}

func (f *SourceFetcher) fetchPatch(ctx context.Context, r *Recipe, locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://"):
		return f.download(ctx, locator, f.cfg.PatchesDir)
	case strings.HasPrefix(locator, "s3://"):
		bucket, key, err := parseS3Locator(locator)
		if err != nil {
			return "", err
		}
		dest := filepath.Join(f.cfg.PatchesDir, path.Base(key))
		return dest, f.downloadS3(ctx, bucket, key, dest)
	}

	local := strings.TrimPrefix(locator, "file://")
	candidates := []string{local}
	if !filepath.IsAbs(local) {
		candidates = nil
		if r.Path != "" {
			candidates = append(candidates, filepath.Join(filepath.Dir(r.Path), local))
		}
		candidates = append(candidates, filepath.Join(f.cfg.PatchesDir, local))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return filepath.Abs(c)
		}
	}
	return "", fmt.Errorf("patch not found: %s", locator)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyTree replicates src into dst keeping modes and symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target)
		}
		return nil
	})
}

// unzipSource extracts a zip archive, stripping a single top-level directory.
func unzipSource(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open zip %s: %w", archive, err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	topIsFile := false
	for _, zf := range zr.File {
		if _, err := entryPath(archive, zf.Name); err != nil {
			return err
		}
		names = append(names, zf.Name)
		if !strings.Contains(strings.Trim(zf.Name, "/"), "/") && !zf.FileInfo().IsDir() {
			topIsFile = true
		}
	}
	prefix := ""
	if !topIsFile {
		prefix = singleTopDir(names)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, zf := range zr.File {
		rel, _ := entryPath(archive, strings.TrimPrefix(zf.Name, prefix))
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, zf.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
