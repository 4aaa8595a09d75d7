package kiln

import (
	"context"
	"io"
	"os"
	"time"
)

// Phase is the lifecycle state of one package during Install.
type Phase int

const (
	PhaseUnresolved Phase = iota
	PhaseDependencies
	PhaseStaging
	PhaseBuilding
	PhasePackaging
	PhaseInstalling
	PhaseRecorded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnresolved:
		return "unresolved"
	case PhaseDependencies:
		return "dependencies-installing"
	case PhaseStaging:
		return "staging"
	case PhaseBuilding:
		return "building"
	case PhasePackaging:
		return "packaging"
	case PhaseInstalling:
		return "installing"
	case PhaseRecorded:
		return "recorded"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Engine drives install, remove, upgrade and build-only runs. One Engine
// serves one invocation: it holds the manifest lock until Close.
type Engine struct {
	cfg      Config
	recipes  *RecipeStore
	staging  *StagingArea
	builder  *BuildRunner
	packager *Packager
	manifest *ManifestStore
	fetcher  Fetcher
	exec     *Executor
	out      *reporter

	output io.Writer
	// systemRoot is the live filesystem root; removal from it is allow-listed.
	systemRoot string
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithOutput sends console output to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.output = w }
}

// WithFetcher replaces the default source fetcher.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithClock overrides the install timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func withSystemRoot(root string) Option {
	return func(e *Engine) { e.systemRoot = root }
}

// NewEngine creates the work directories, takes the manifest lock and loads
// the manifest. Commands started by the engine are killed when ctx is done.
func NewEngine(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		output:     os.Stdout,
		systemRoot: "/",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	manifest, err := OpenManifest(cfg.ManifestFile)
	if err != nil {
		return nil, err
	}

	e.manifest = manifest
	e.out = newReporter(e.output, cfg)
	e.exec = NewExecutor(ctx)
	e.recipes = NewRecipeStore(cfg)
	e.staging = NewStagingArea(cfg)
	e.builder = NewBuildRunner(cfg, e.exec, e.out)
	e.packager = NewPackager(cfg)
	if e.fetcher == nil {
		e.fetcher = NewSourceFetcher(cfg, e.exec, e.out)
	}
	return e, nil
}

// Close releases the manifest lock.
func (e *Engine) Close() error {
	return e.manifest.Close()
}

// Manifest exposes the install manifest for read access.
func (e *Engine) Manifest() *ManifestStore { return e.manifest }

// Recipes exposes the recipe store.
func (e *Engine) Recipes() *RecipeStore { return e.recipes }
