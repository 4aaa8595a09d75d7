package kiln

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// Packager turns staging trees into package archives and extracts them into
// an install root.
type Packager struct {
	dir    string
	format string
	epoch  *time.Time
}

func NewPackager(cfg Config) *Packager {
	return &Packager{dir: cfg.PackagesDir, format: cfg.Format, epoch: cfg.SourceDateEpoch}
}

// ArchivePath is the deterministic archive location for name and version.
func (p *Packager) ArchivePath(name, version string) string {
	ext := ".tar.gz"
	if p.format == "zst" {
		ext = ".tar.zst"
	}
	return filepath.Join(p.dir, name+"-"+version+ext)
}

// Pack serializes stagingPath into the archive for (name, version), replacing
// any previous archive atomically. Entries are written in lexical order with
// root ownership so identical trees produce identical archives.
func (p *Packager) Pack(stagingPath, name, version string) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create packages dir: %w", err)
	}
	dest := p.ArchivePath(name, version)

	pf, err := renameio.TempFile("", dest)
	if err != nil {
		return "", fmt.Errorf("failed to create archive %s: %w", dest, err)
	}
	defer pf.Cleanup()
	if err := pf.Chmod(0o644); err != nil {
		return "", err
	}

	var cw io.WriteCloser
	if p.format == "zst" {
		zw, err := zstd.NewWriter(pf, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return "", fmt.Errorf("failed to create zstd writer: %w", err)
		}
		cw = zw
	} else {
		cw = pgzip.NewWriter(pf)
	}

	tw := tar.NewWriter(cw)
	if err := p.writeTree(tw, stagingPath); err != nil {
		return "", fmt.Errorf("failed to add files to archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := cw.Close(); err != nil {
		return "", err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("failed to finalize archive %s: %w", dest, err)
	}
	return dest, nil
}

func (p *Packager) writeTree(tw *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(file)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", file, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		// Packages are always root owned, whoever built them.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
		if p.epoch != nil && hdr.ModTime.After(*p.epoch) {
			hdr.ModTime = *p.epoch
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// openTarStream picks a decompressor from the file suffix.
func openTarStream(archive string) (*tar.Reader, func(), error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive %s: %w", archive, err)
	}

	var r io.Reader = f
	closers := []func(){func() { f.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch {
	case strings.HasSuffix(archive, ".tar.gz") || strings.HasSuffix(archive, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", archive, err)
		}
		closers = append(closers, func() { gz.Close() })
		r = gz
	case strings.HasSuffix(archive, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(archive, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", archive, err)
		}
		r = xzr
	case strings.HasSuffix(archive, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", archive, err)
		}
		closers = append(closers, zst.Close)
		r = zst
	case strings.HasSuffix(archive, ".tar"):
	default:
		closeAll()
		return nil, nil, fmt.Errorf("unsupported archive format: %s", archive)
	}
	return tar.NewReader(r), closeAll, nil
}

// walkTar calls fn for every entry except PAX extension headers.
func walkTar(archive string, fn func(hdr *tar.Header, r io.Reader) error) error {
	tr, closeFn, err := openTarStream(archive)
	if err != nil {
		return err
	}
	defer closeFn()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		// insecure names are judged by entryPath, not the reader
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return fmt.Errorf("error reading tar header in %s: %w", archive, err)
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// entryPath validates an archive member name and returns it cleaned and
// relative. "" means the archive root itself.
func entryPath(archive, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", &ArchiveIntegrityError{Archive: archive, Entry: name, Reason: "absolute path"}
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &ArchiveIntegrityError{Archive: archive, Entry: name, Reason: "path escapes install root"}
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// validateArchive rejects the whole archive before anything is written.
func validateArchive(archive string) error {
	return walkTar(archive, func(hdr *tar.Header, _ io.Reader) error {
		if _, err := entryPath(archive, hdr.Name); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeLink {
			rel, err := entryPath(archive, hdr.Linkname)
			if err != nil {
				return err
			}
			if rel == "" {
				return &ArchiveIntegrityError{Archive: archive, Entry: hdr.Name, Reason: "hard link to archive root"}
			}
		}
		return nil
	})
}

// Extraction lists what Unpack actually wrote, relative to the install root.
type Extraction struct {
	// Files are regular files, symlinks and hard links.
	Files []string
	// Dirs are directories that did not exist before extraction.
	Dirs []string
}

// Paths returns every written path, sorted.
func (x *Extraction) Paths() []string {
	all := append(append([]string{}, x.Files...), x.Dirs...)
	sort.Strings(all)
	return all
}

// Unpack extracts archive into root and reports every path written. Archives
// containing absolute or escaping entries are rejected before any write.
func (p *Packager) Unpack(archive, root string) (*Extraction, error) {
	if err := validateArchive(archive); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create install root %s: %w", root, err)
	}

	files := make(map[string]struct{})
	var dirs []string

	// leavesRoot rejects an entry whose path runs through a symlink that
	// resolves outside root.
	leavesRoot := func(entry, target string) error {
		ok, err := confined(root, target)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", target, err)
		}
		if !ok {
			return &ArchiveIntegrityError{Archive: archive, Entry: entry, Reason: "path leaves install root through a symlink"}
		}
		return nil
	}

	// mkdirs creates the missing directories of rel. Existing symlinked
	// directories are followed only while they stay inside root.
	mkdirs := func(entry, rel string, mode os.FileMode) error {
		if rel == "" || rel == "." {
			return nil
		}
		cur := ""
		for _, part := range strings.Split(rel, "/") {
			cur = path.Join(cur, part)
			target := filepath.Join(root, filepath.FromSlash(cur))
			fi, err := os.Lstat(target)
			if err == nil {
				if fi.IsDir() {
					continue
				}
				if fi.Mode()&os.ModeSymlink != 0 {
					if st, err := os.Stat(target); err == nil && st.IsDir() {
						if err := leavesRoot(entry, target); err != nil {
							return err
						}
						continue
					}
				}
				return fmt.Errorf("cannot create directory %s: a file is in the way", target)
			}
			m := os.FileMode(0o755)
			if cur == rel && mode != 0 {
				m = mode
			}
			if err := os.Mkdir(target, m); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
			dirs = append(dirs, cur)
		}
		return nil
	}

	err := walkTar(archive, func(hdr *tar.Header, r io.Reader) error {
		rel, _ := entryPath(archive, hdr.Name)
		if rel == "" {
			return nil
		}
		target := filepath.Join(root, filepath.FromSlash(rel))

		if hdr.Typeflag == tar.TypeDir {
			return mkdirs(hdr.Name, rel, os.FileMode(hdr.Mode).Perm())
		}
		if err := mkdirs(hdr.Name, path.Dir(rel), 0); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA:
			if fi, err := os.Lstat(target); err == nil && !fi.Mode().IsRegular() {
				if err := os.Remove(target); err != nil {
					return fmt.Errorf("failed to replace %s: %w", target, err)
				}
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			// record before copying so a partial write is still accounted for
			files[rel] = struct{}{}
			if _, err := io.Copy(out, r); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
			if err := os.Chmod(target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", target, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(target, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				_ = os.Remove(target)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
			files[rel] = struct{}{}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(target, hdr.Uid, hdr.Gid)
			}
		case tar.TypeLink:
			linkRel, _ := entryPath(archive, hdr.Linkname)
			src := filepath.Join(root, filepath.FromSlash(linkRel))
			if err := leavesRoot(hdr.Name, filepath.Dir(src)); err != nil {
				return err
			}
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				_ = os.Remove(target)
			}
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", target, err)
			}
			files[rel] = struct{}{}
		default:
			// devices and fifos have no place in a package
		}
		return nil
	})

	x := &Extraction{Dirs: dirs}
	for f := range files {
		x.Files = append(x.Files, f)
	}
	sort.Strings(x.Files)
	sort.Strings(x.Dirs)
	if err != nil {
		return x, err
	}
	return x, nil
}

// singleTopDir returns "name/" when every entry of the archive lives under
// one top-level directory.
func singleTopDir(names []string) string {
	var top string
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		if n == "" || n == "." {
			continue
		}
		first, _, _ := strings.Cut(n, "/")
		if top == "" {
			top = first
		} else if first != top {
			return ""
		}
	}
	if top == "" {
		return ""
	}
	return top + "/"
}

// extractSource unpacks a source tarball into dest, stripping a single
// top-level directory the way most release tarballs are laid out.
func extractSource(archive, dest string) error {
	if strings.HasSuffix(archive, ".zip") {
		return unzipSource(archive, dest)
	}

	var names []string
	var topIsFile bool
	err := walkTar(archive, func(hdr *tar.Header, _ io.Reader) error {
		if _, err := entryPath(archive, hdr.Name); err != nil {
			return err
		}
		names = append(names, hdr.Name)
		if !strings.Contains(strings.Trim(strings.TrimPrefix(hdr.Name, "./"), "/"), "/") && hdr.Typeflag != tar.TypeDir {
			topIsFile = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	prefix := ""
	if !topIsFile {
		prefix = singleTopDir(names)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return walkTar(archive, func(hdr *tar.Header, r io.Reader) error {
		name := strings.TrimPrefix(hdr.Name, "./")
		if prefix != "" {
			name = strings.TrimPrefix(name, prefix)
		}
		rel, _ := entryPath(archive, name)
		if rel == "" {
			return nil
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()|0o700)
		case tar.TypeReg, tar.TypeRegA:
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0o600)
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(out, r); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
			return os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkName := strings.TrimPrefix(strings.TrimPrefix(hdr.Linkname, "./"), prefix)
			linkRel, err := entryPath(archive, linkName)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Link(filepath.Join(dest, filepath.FromSlash(linkRel)), target)
		}
		return nil
	})
}
