package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// binSourceDirs are the staging dirs whose executables are copied to BinDir.
var binSourceDirs = []string{"usr/bin", "bin", "usr/sbin", "sbin"}

// visitor tracks the packages currently being installed along the recursion
// so a dependency cycle is told apart from an already installed package.
type visitor struct {
	inProgress map[string]bool
	chain      []string
}

func newVisitor() *visitor {
	return &visitor{inProgress: make(map[string]bool)}
}

func (v *visitor) enter(name string) error {
	if v.inProgress[name] {
		start := 0
		for i, n := range v.chain {
			if n == name {
				start = i
				break
			}
		}
		chain := append(append([]string{}, v.chain[start:]...), name)
		return &CyclicDependencyError{Chain: chain}
	}
	v.inProgress[name] = true
	v.chain = append(v.chain, name)
	return nil
}

func (v *visitor) leave(name string) {
	delete(v.inProgress, name)
	if n := len(v.chain); n > 0 && v.chain[n-1] == name {
		v.chain = v.chain[:n-1]
	}
}

// artifact is what the fetch -> build -> pack pipeline produced.
type artifact struct {
	Archive   string
	Sum       string
	Staging   string
	SourceDir string
	LogPath   string
}

// Install builds and installs name and, first, every dependency that is not
// installed yet. An installed package is left alone.
func (e *Engine) Install(name string) error {
	return e.install(name, newVisitor())
}

func (e *Engine) install(name string, v *visitor) error {
	if e.manifest.Has(name) {
		e.out.note("%s is already installed", name)
		return nil
	}
	if err := v.enter(name); err != nil {
		return err
	}
	defer v.leave(name)

	fail := func(phase Phase, err error) error {
		return &InstallError{Package: name, Phase: phase, Err: err}
	}

	r, err := e.recipes.Resolve(name)
	if err != nil {
		return fail(PhaseUnresolved, err)
	}

	for _, dep := range r.Deps {
		if e.manifest.Has(dep) {
			continue
		}
		e.out.debugf("%s depends on %s\n", name, dep)
		if err := e.install(dep, v); err != nil {
			return fail(PhaseDependencies, err)
		}
	}

	e.out.header("Installing %s", r.FullName())

	unlock, err := e.staging.Lock(name)
	if err != nil {
		return fail(PhaseStaging, err)
	}
	defer unlock()

	if err := e.builder.RunHooks(r, "pre_install", r.PreInstall, e.cfg.BaseDir); err != nil {
		return fail(PhaseStaging, err)
	}

	art, phase, err := e.buildArchive(r)
	if err != nil {
		return fail(phase, err)
	}

	e.out.step("Installing %s into %s", filepath.Base(art.Archive), e.cfg.Root)
	extracted, err := e.packager.Unpack(art.Archive, e.cfg.Root)
	if err != nil {
		return fail(PhaseInstalling, err)
	}

	binFiles, err := e.copyBinaries(art.Staging)
	if err != nil {
		return fail(PhaseInstalling, err)
	}

	if err := e.builder.RunHooks(r, "post_install", r.PostInstall, art.SourceDir); err != nil {
		return fail(PhaseInstalling, err)
	}

	rec := InstallRecord{
		Version:     r.Version,
		Files:       extracted.Files,
		Dirs:        extracted.Dirs,
		Archive:     art.Archive,
		ArchiveSum:  art.Sum,
		StagingDir:  art.Staging,
		BinFiles:    binFiles,
		Root:        e.cfg.Root,
		InstalledAt: e.now().Unix(),
		RecipePath:  r.Path,
	}
	if rec.Files == nil {
		rec.Files = []string{}
	}
	if err := e.manifest.Put(name, rec); err != nil {
		return fail(PhaseRecorded, err)
	}

	e.out.step("%s installed (%d files)", r.FullName(), len(rec.Files))
	return nil
}

// buildArchive runs fetch, staging, patches, build commands and packing. On
// failure it reports the phase that failed.
func (e *Engine) buildArchive(r *Recipe) (*artifact, Phase, error) {
	ctx := e.exec.Context

	e.out.step("Fetching sources for %s", r.Name)
	srcDir, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, PhaseStaging, err
	}

	staging, err := e.staging.Prepare(r.Name)
	if err != nil {
		return nil, PhaseStaging, err
	}

	var patchFiles []string
	for _, locator := range r.Patches {
		p, err := e.fetcher.FetchPatch(ctx, r, locator)
		if err != nil {
			return nil, PhaseBuilding, err
		}
		patchFiles = append(patchFiles, p)
	}
	if err := e.builder.ApplyPatches(r, srcDir, patchFiles); err != nil {
		return nil, PhaseBuilding, err
	}

	logPath, err := e.builder.Run(r, srcDir, staging)
	if err != nil {
		return nil, PhaseBuilding, err
	}

	e.out.step("Packaging %s", r.FullName())
	archive, err := e.packager.Pack(staging, r.Name, r.Version)
	if err != nil {
		return nil, PhasePackaging, err
	}
	sum, err := ComputeChecksum(archive)
	if err != nil {
		return nil, PhasePackaging, fmt.Errorf("checksum of %s: %w", archive, err)
	}

	return &artifact{
		Archive:   archive,
		Sum:       sum,
		Staging:   staging,
		SourceDir: srcDir,
		LogPath:   logPath,
	}, PhaseRecorded, nil
}

// BuildOnly produces the archive for name without touching the manifest, the
// install root or the bin directory. Dependencies are not installed.
func (e *Engine) BuildOnly(name string) (string, error) {
	r, err := e.recipes.Resolve(name)
	if err != nil {
		return "", &InstallError{Package: name, Phase: PhaseUnresolved, Err: err}
	}

	e.out.header("Building %s", r.FullName())
	unlock, err := e.staging.Lock(name)
	if err != nil {
		return "", &InstallError{Package: name, Phase: PhaseStaging, Err: err}
	}
	defer unlock()

	art, phase, err := e.buildArchive(r)
	if err != nil {
		return "", &InstallError{Package: name, Phase: phase, Err: err}
	}
	e.out.step("Package written to %s", art.Archive)
	return art.Archive, nil
}

// copyBinaries copies executables from the staging bin dirs into BinDir and
// returns the absolute paths written.
func (e *Engine) copyBinaries(staging string) ([]string, error) {
	if e.cfg.BinDir == "" {
		return nil, nil
	}
	written := make(map[string]struct{})
	for _, dir := range binSourceDirs {
		entries, err := os.ReadDir(filepath.Join(staging, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.Mode().Perm()&0o111 == 0 {
				continue
			}
			if err := os.MkdirAll(e.cfg.BinDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create bin dir: %w", err)
			}
			dest := filepath.Join(e.cfg.BinDir, entry.Name())
			if err := copyFile(filepath.Join(staging, dir, entry.Name()), dest); err != nil {
				return nil, fmt.Errorf("failed to copy %s to %s: %w", entry.Name(), e.cfg.BinDir, err)
			}
			if err := os.Chmod(dest, 0o755); err != nil {
				return nil, err
			}
			written[dest] = struct{}{}
		}
	}

	var out []string
	for p := range written {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
