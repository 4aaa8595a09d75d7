package kiln

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

// populateStaging builds a small tree with a file, a symlink and an empty dir.
func populateStaging(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr", "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr", "share", "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "bin", "tool"), []byte("#!/bin/sh\necho tool\n"), 0o755))
	require.NoError(t, os.Symlink("tool", filepath.Join(dir, "usr", "bin", "alias")))
}

// writeRawArchive writes a tar.gz with the given entry names as regular files.
func writeRawArchive(t *testing.T, path string, names ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := pgzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, n := range names {
		body := []byte("x")
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: n, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, format := range []string{"gz", "zst"} {
		t.Run(format, func(t *testing.T) {
			cfg := testConfig(t, "KILN_FORMAT", format)
			staging := filepath.Join(cfg.StagingDir, "tool")
			populateStaging(t, staging)

			p := NewPackager(cfg)
			archive, err := p.Pack(staging, "tool", "1.2")
			require.NoError(t, err)
			require.Equal(t, p.ArchivePath("tool", "1.2"), archive)

			root := cfg.Root
			x, err := p.Unpack(archive, root)
			require.NoError(t, err)
			require.Equal(t, []string{"usr/bin/alias", "usr/bin/tool"}, x.Files)
			require.Equal(t, []string{"usr", "usr/bin", "usr/share", "usr/share/empty"}, x.Dirs)

			data, err := os.ReadFile(filepath.Join(root, "usr", "bin", "tool"))
			require.NoError(t, err)
			require.Equal(t, "#!/bin/sh\necho tool\n", string(data))
			link, err := os.Readlink(filepath.Join(root, "usr", "bin", "alias"))
			require.NoError(t, err)
			require.Equal(t, "tool", link)
			fi, err := os.Stat(filepath.Join(root, "usr", "share", "empty"))
			require.NoError(t, err)
			require.True(t, fi.IsDir())
		})
	}
}

func TestUnpackReportsOnlyNewDirs(t *testing.T) {
	cfg := testConfig(t)
	staging := filepath.Join(cfg.StagingDir, "tool")
	populateStaging(t, staging)
	p := NewPackager(cfg)
	archive, err := p.Pack(staging, "tool", "1")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Root, "usr", "bin"), 0o755))
	x, err := p.Unpack(archive, cfg.Root)
	require.NoError(t, err)
	require.Equal(t, []string{"usr/share", "usr/share/empty"}, x.Dirs)
	require.Equal(t, []string{"usr/bin/alias", "usr/bin/tool", "usr/share", "usr/share/empty"}, x.Paths())
}

func TestPackIsReproducibleWithEpoch(t *testing.T) {
	cfg := testConfig(t, "SOURCE_DATE_EPOCH", "1700000000")
	p := NewPackager(cfg)

	build := func(dir string) []byte {
		populateStaging(t, dir)
		archive, err := p.Pack(dir, "tool", "1")
		require.NoError(t, err)
		data, err := os.ReadFile(archive)
		require.NoError(t, err)
		return data
	}

	first := build(filepath.Join(t.TempDir(), "a"))
	time.Sleep(1100 * time.Millisecond)
	second := build(filepath.Join(t.TempDir(), "b"))
	require.Equal(t, first, second)
}

func TestUnpackRejectsAbsoluteEntries(t *testing.T) {
	cfg := testConfig(t)
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeRawArchive(t, archive, "ok/file", "/etc/evil")

	_, err := NewPackager(cfg).Unpack(archive, cfg.Root)
	var integrity *ArchiveIntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, "/etc/evil", integrity.Entry)

	// nothing was written, not even the valid entry before it
	_, statErr := os.Stat(cfg.Root)
	require.True(t, os.IsNotExist(statErr))
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	cfg := testConfig(t)
	archive := filepath.Join(t.TempDir(), "escape.tar.gz")
	writeRawArchive(t, archive, "usr/../../outside")

	_, err := NewPackager(cfg).Unpack(archive, cfg.Root)
	require.ErrorIs(t, err, ErrArchiveIntegrity)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(cfg.Root), "outside"))
	require.True(t, os.IsNotExist(statErr))
}

func TestExtractSourceStripsTopDir(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "pkg-1.0.tar.gz")
	writeRawArchive(t, archive, "pkg-1.0/configure", "pkg-1.0/src/main.c")

	dest := filepath.Join(dir, "tree")
	require.NoError(t, extractSource(archive, dest))
	require.FileExists(t, filepath.Join(dest, "configure"))
	require.FileExists(t, filepath.Join(dest, "src", "main.c"))
}

func TestExtractSourceKeepsFlatLayout(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "flat.tar.gz")
	writeRawArchive(t, archive, "Makefile", "src/main.c")

	dest := filepath.Join(dir, "tree")
	require.NoError(t, extractSource(archive, dest))
	require.FileExists(t, filepath.Join(dest, "Makefile"))
	require.FileExists(t, filepath.Join(dest, "src", "main.c"))
}

func TestComputeChecksumStable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("kiln"), 0o644))
	a, err := ComputeChecksum(p)
	require.NoError(t, err)
	b, err := ComputeChecksum(p)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

// writeEntries writes a tar.gz from raw headers; regular files get body "x".
func writeEntries(t *testing.T, path string, hdrs ...*tar.Header) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := pgzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, hdr := range hdrs {
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = 1
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte("x"))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestUnpackRejectsWritesThroughEscapingSymlink(t *testing.T) {
	cfg := testConfig(t)
	outside := t.TempDir()
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeEntries(t, archive,
		&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: outside, Mode: 0o777},
		&tar.Header{Name: "link/owned", Typeflag: tar.TypeReg, Mode: 0o644},
	)

	_, err := NewPackager(cfg).Unpack(archive, cfg.Root)
	require.ErrorIs(t, err, ErrArchiveIntegrity)
	require.NoFileExists(t, filepath.Join(outside, "owned"))
}

func TestUnpackRejectsDirsThroughEscapingSymlink(t *testing.T) {
	cfg := testConfig(t)
	outside := t.TempDir()
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeEntries(t, archive,
		&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: outside, Mode: 0o777},
		&tar.Header{Name: "link/sub/file", Typeflag: tar.TypeReg, Mode: 0o644},
	)

	_, err := NewPackager(cfg).Unpack(archive, cfg.Root)
	require.ErrorIs(t, err, ErrArchiveIntegrity)
	require.NoDirExists(t, filepath.Join(outside, "sub"))
}

func TestUnpackRejectsHardLinkThroughEscapingSymlink(t *testing.T) {
	cfg := testConfig(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o600))
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeEntries(t, archive,
		&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: outside, Mode: 0o777},
		&tar.Header{Name: "hard", Typeflag: tar.TypeLink, Linkname: "link/secret"},
	)

	_, err := NewPackager(cfg).Unpack(archive, cfg.Root)
	require.ErrorIs(t, err, ErrArchiveIntegrity)
	require.NoFileExists(t, filepath.Join(cfg.Root, "hard"))
}

func TestUnpackFollowsSymlinksInsideRoot(t *testing.T) {
	cfg := testConfig(t)
	archive := filepath.Join(t.TempDir(), "merged.tar.gz")
	writeEntries(t, archive,
		&tar.Header{Name: "usr/", Typeflag: tar.TypeDir, Mode: 0o755},
		&tar.Header{Name: "usr/lib/", Typeflag: tar.TypeDir, Mode: 0o755},
		&tar.Header{Name: "lib", Typeflag: tar.TypeSymlink, Linkname: "usr/lib", Mode: 0o777},
		&tar.Header{Name: "lib/libx.so", Typeflag: tar.TypeReg, Mode: 0o644},
	)

	x, err := NewPackager(cfg).Unpack(archive, cfg.Root)
	require.NoError(t, err)
	require.Equal(t, []string{"lib", "lib/libx.so"}, x.Files)
	require.FileExists(t, filepath.Join(cfg.Root, "usr", "lib", "libx.so"))
}
