package kiln

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fooRecipe = `name: foo
version: "1.0"
commands:
  - mkdir -p "$DESTDIR/bin"
  - echo foo > "$DESTDIR/bin/foo"
  - chmod 755 "$DESTDIR/bin/foo"
`

func TestInstallRecordsFiles(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	installedAt := time.Unix(1700000000, 0)
	e := newTestEngine(t, cfg, WithClock(func() time.Time { return installedAt }))

	require.NoError(t, e.Install("foo"))

	rec, ok := e.Manifest().Get("foo")
	require.True(t, ok)
	require.Equal(t, "1.0", rec.Version)
	require.Equal(t, []string{"bin/foo"}, rec.Files)
	require.Equal(t, []string{"bin"}, rec.Dirs)
	require.Equal(t, cfg.Root, rec.Root)
	require.Equal(t, installedAt.Unix(), rec.InstalledAt)
	require.FileExists(t, rec.Archive)
	require.Len(t, rec.ArchiveSum, 64)
	require.Equal(t, []string{filepath.Join(cfg.BinDir, "foo")}, rec.BinFiles)

	data, err := os.ReadFile(filepath.Join(cfg.Root, "bin", "foo"))
	require.NoError(t, err)
	require.Equal(t, "foo\n", string(data))

	fi, err := os.Stat(filepath.Join(cfg.BinDir, "foo"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	require.Equal(t, []InstalledPackage{{Name: "foo", Version: "1.0", InstalledAt: installedAt}}, e.List())
}

func TestInstalledStateSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))
	require.NoError(t, e.Close())

	e = newTestEngine(t, cfg)
	require.True(t, e.Manifest().Has("foo"))
}

func TestInstallIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	counter := filepath.Join(t.TempDir(), "runs")
	writeRecipe(t, cfg, "once", `name: once
commands:
  - echo run >> "`+counter+`"
`)
	e := newTestEngine(t, cfg)

	require.NoError(t, e.Install("once"))
	require.NoError(t, e.Install("once"))

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	require.Equal(t, "run\n", string(data))

	rec, ok := e.Manifest().Get("once")
	require.True(t, ok)
	require.Equal(t, "0", rec.Version)
	require.Equal(t, []string{}, rec.Files)
}

func TestInstallDependenciesFirst(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "libd", `name: libd
version: "2"
commands:
  - mkdir -p "$DESTDIR/lib"
  - echo d > "$DESTDIR/lib/d.txt"
`)
	writeRecipe(t, cfg, "app", `name: app
deps: [libd]
commands:
  - mkdir -p "$DESTDIR/share"
  - cp "$KILN_ROOT/lib/d.txt" "$DESTDIR/share/from-d.txt"
`)
	e := newTestEngine(t, cfg)

	require.NoError(t, e.Install("app"))
	require.True(t, e.Manifest().Has("libd"))
	require.True(t, e.Manifest().Has("app"))
	require.FileExists(t, filepath.Join(cfg.Root, "share", "from-d.txt"))
}

func TestInstallDetectsCycles(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "a", "name: a\ndeps: [b]\n")
	writeRecipe(t, cfg, "b", "name: b\ndeps: [a]\n")
	e := newTestEngine(t, cfg)

	err := e.Install("a")
	require.ErrorIs(t, err, ErrCyclicDependency)

	var cyc *CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	require.Equal(t, []string{"a", "b", "a"}, cyc.Chain)

	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, "a", ie.Package)
	require.Equal(t, PhaseDependencies, ie.Phase)

	require.False(t, e.Manifest().Has("a"))
	require.False(t, e.Manifest().Has("b"))
}

func TestInstallUnknownRecipe(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)

	err := e.Install("ghost")
	require.ErrorIs(t, err, ErrRecipeNotFound)
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, PhaseUnresolved, ie.Phase)
}

func TestInstallBuildFailureLeavesNoRecord(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "broken", `name: broken
commands:
  - mkdir -p "$DESTDIR/bin"
  - exit 3
`)
	e := newTestEngine(t, cfg)

	err := e.Install("broken")
	require.ErrorIs(t, err, ErrCommand)
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, PhaseBuilding, ie.Phase)
	require.Equal(t, "building", ie.Phase.String())
	require.Equal(t, 3, ExitCode(err))
	require.Equal(t, cfg.LogPath("broken"), LogPathOf(err))

	require.False(t, e.Manifest().Has("broken"))
	require.NoDirExists(t, cfg.Root)
}

func TestInstallRunsHooks(t *testing.T) {
	cfg := testConfig(t)
	marks := t.TempDir()
	writeRecipe(t, cfg, "hooked", `name: hooked
pre_install:
  - touch "`+marks+`/pre"
post_install:
  - touch "`+marks+`/post"
pre_remove:
  - touch "`+marks+`/pre_remove"
post_remove:
  - touch "`+marks+`/post_remove"
`)
	e := newTestEngine(t, cfg)

	require.NoError(t, e.Install("hooked"))
	require.FileExists(t, filepath.Join(marks, "pre"))
	require.FileExists(t, filepath.Join(marks, "post"))

	_, err := e.Remove("hooked")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(marks, "pre_remove"))
	require.FileExists(t, filepath.Join(marks, "post_remove"))
}

func TestPreInstallHookFailureStopsInstall(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "gated", `name: gated
pre_install: ["false"]
commands:
  - mkdir -p "$DESTDIR/bin"
`)
	e := newTestEngine(t, cfg)

	err := e.Install("gated")
	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, PhaseStaging, ie.Phase)
	require.False(t, e.Manifest().Has("gated"))
}

func TestRemoveRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))

	res, err := e.Remove("foo")
	require.NoError(t, err)
	require.True(t, res.OK())
	require.ElementsMatch(t, []string{
		filepath.Join(cfg.Root, "bin", "foo"),
		filepath.Join(cfg.Root, "bin"),
		filepath.Join(cfg.BinDir, "foo"),
	}, res.Removed)

	require.NoFileExists(t, filepath.Join(cfg.Root, "bin", "foo"))
	require.NoDirExists(t, filepath.Join(cfg.Root, "bin"))
	require.NoFileExists(t, filepath.Join(cfg.BinDir, "foo"))
	require.False(t, e.Manifest().Has("foo"))
}

func TestRemoveToleratesMissingFiles(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))
	require.NoError(t, os.Remove(filepath.Join(cfg.Root, "bin", "foo")))

	res, err := e.Remove("foo")
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(cfg.Root, "bin", "foo")}, res.Missing)
	require.False(t, e.Manifest().Has("foo"))
}

func TestRemoveKeepsSharedDirectories(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))
	other := filepath.Join(cfg.Root, "bin", "other")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	res, err := e.Remove("foo")
	require.NoError(t, err)
	require.Contains(t, res.Skipped, filepath.Join(cfg.Root, "bin"))
	require.FileExists(t, other)
}

func TestRemoveNotInstalled(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)

	res, err := e.Remove("nothing")
	require.NoError(t, err)
	require.Empty(t, res.Removed)
	require.True(t, res.OK())
}

func TestRemoveFromSystemRootHonorsAllowList(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "mixed", `name: mixed
commands:
  - mkdir -p "$DESTDIR/usr/bin" "$DESTDIR/home/user"
  - echo tool > "$DESTDIR/usr/bin/tool"
  - echo keep > "$DESTDIR/home/user/x"
`)
	e := newTestEngine(t, cfg, withSystemRoot(cfg.Root))
	require.NoError(t, e.Install("mixed"))

	res, err := e.Remove("mixed")
	require.NoError(t, err)
	require.Contains(t, res.Removed, filepath.Join(cfg.Root, "usr", "bin", "tool"))
	require.Contains(t, res.Skipped, filepath.Join(cfg.Root, "home", "user", "x"))
	// protected directories stay even when empty
	require.Contains(t, res.Skipped, filepath.Join(cfg.Root, "usr", "bin"))

	require.NoFileExists(t, filepath.Join(cfg.Root, "usr", "bin", "tool"))
	require.FileExists(t, filepath.Join(cfg.Root, "home", "user", "x"))
	require.DirExists(t, filepath.Join(cfg.Root, "usr", "bin"))
	require.False(t, e.Manifest().Has("mixed"))
}

func TestRemoveWithoutRecipeSkipsHooks(t *testing.T) {
	cfg := testConfig(t)
	marks := t.TempDir()
	path := writeRecipe(t, cfg, "orphan", `name: orphan
pre_remove:
  - touch "`+marks+`/pre_remove"
`)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("orphan"))
	require.NoError(t, os.Remove(path))

	_, err := e.Remove("orphan")
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(marks, "pre_remove"))
	require.False(t, e.Manifest().Has("orphan"))
}

func TestUpgradeIsReproducible(t *testing.T) {
	cfg := testConfig(t, "SOURCE_DATE_EPOCH", "1600000000")
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)

	require.NoError(t, e.Install("foo"))
	rec, _ := e.Manifest().Get("foo")
	first, err := os.ReadFile(rec.Archive)
	require.NoError(t, err)

	// make sure file times differ between the two builds
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, e.Upgrade("foo"))

	again, ok := e.Manifest().Get("foo")
	require.True(t, ok)
	second, err := os.ReadFile(again.Archive)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, rec.ArchiveSum, again.ArchiveSum)
	require.FileExists(t, filepath.Join(cfg.Root, "bin", "foo"))
}

func TestUpgradePicksUpNewVersion(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))

	writeRecipe(t, cfg, "foo", strings.Replace(fooRecipe, `"1.0"`, `"1.1"`, 1))
	require.NoError(t, e.Upgrade("foo"))

	rec, ok := e.Manifest().Get("foo")
	require.True(t, ok)
	require.Equal(t, "1.1", rec.Version)
	require.True(t, strings.HasSuffix(rec.Archive, "foo-1.1.tar.gz"))
}

func TestUpgradeAllCollectsFailures(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	writeRecipe(t, cfg, "bar", "name: bar\n")
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))
	require.NoError(t, e.Install("bar"))

	writeRecipe(t, cfg, "bar", "name: bar\ncommands: [\"exit 1\"]\n")
	err := e.UpgradeAll()
	require.ErrorIs(t, err, ErrCommand)
	require.True(t, e.Manifest().Has("foo"))
	require.False(t, e.Manifest().Has("bar"))
}

func TestBuildOnlyLeavesSystemUntouched(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)

	archive, err := e.BuildOnly("foo")
	require.NoError(t, err)
	require.FileExists(t, archive)
	require.False(t, e.Manifest().Has("foo"))
	require.NoDirExists(t, cfg.Root)
	require.NoFileExists(t, filepath.Join(cfg.BinDir, "foo"))
}

func TestSearchAndInfo(t *testing.T) {
	cfg := testConfig(t)
	writeRecipe(t, cfg, "foo", fooRecipe)
	writeRecipe(t, cfg, "foobar", "name: foobar\n")
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))

	require.Equal(t, []SearchHit{{Name: "foo", Installed: true}, {Name: "foobar"}}, e.Search("FOO"))

	info, err := e.Info("foo")
	require.NoError(t, err)
	require.NotNil(t, info.Recipe)
	require.NotNil(t, info.Record)

	info, err = e.Info("foobar")
	require.NoError(t, err)
	require.Nil(t, info.Record)

	_, err = e.Info("ghost")
	require.ErrorIs(t, err, ErrRecipeNotFound)
}

func TestInfoForRecordWithoutRecipe(t *testing.T) {
	cfg := testConfig(t)
	path := writeRecipe(t, cfg, "foo", fooRecipe)
	e := newTestEngine(t, cfg)
	require.NoError(t, e.Install("foo"))
	require.NoError(t, os.Remove(path))

	info, err := e.Info("foo")
	require.NoError(t, err)
	require.Nil(t, info.Recipe)
	require.Equal(t, "1.0", info.Record.Version)
}

func TestClean(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourcesDir, "old.tar.gz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LogsDir, "foo.log"), []byte("x"), 0o644))

	err := e.Clean(CleanTargets{Sources: true, Logs: true}, func(label, _ string) bool {
		return label != "build logs"
	})
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(cfg.SourcesDir, "old.tar.gz"))
	require.DirExists(t, cfg.SourcesDir)
	require.FileExists(t, filepath.Join(cfg.LogsDir, "foo.log"))
}

func TestPhaseNames(t *testing.T) {
	require.Equal(t, "dependencies-installing", PhaseDependencies.String())
	require.Equal(t, "recorded", PhaseRecorded.String())
	require.True(t, errors.Is(&InstallError{Phase: PhaseFailed, Err: ErrFetch}, ErrFetch))
}

func TestRemoveDoesNotFollowEscapingSymlinks(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim")
	require.NoError(t, os.WriteFile(victim, []byte("keep"), 0o644))
	require.NoError(t, os.MkdirAll(cfg.Root, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(cfg.Root, "link")))

	require.NoError(t, e.Manifest().Put("tampered", InstallRecord{
		Version: "1",
		Files:   []string{"link/victim"},
		Root:    cfg.Root,
	}))

	res, err := e.Remove("tampered")
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	require.FileExists(t, victim)
	require.False(t, e.Manifest().Has("tampered"))
}
