package kiln

import (
	"fmt"
	"os"
	"path/filepath"
)

// StagingArea hands out one DESTDIR-style directory per package name. Build
// commands are expected to install into it as if it were "/"; nothing stops a
// misbehaving command from writing elsewhere.
type StagingArea struct {
	base string
}

func NewStagingArea(cfg Config) *StagingArea {
	return &StagingArea{base: cfg.StagingDir}
}

// Path is the deterministic staging directory for name.
func (s *StagingArea) Path(name string) (string, error) {
	p, err := filepath.Abs(filepath.Join(s.base, name))
	if err != nil {
		return "", fmt.Errorf("resolving staging path for %s: %w", name, err)
	}
	return p, nil
}

// Lock serializes builds of the same name across processes.
func (s *StagingArea) Lock(name string) (unlock func() error, err error) {
	l, err := acquireLock(filepath.Join(s.base, "."+name+".lock"))
	if err != nil {
		return nil, err
	}
	return l.release, nil
}

// Prepare wipes any residue from an earlier attempt and returns an empty directory.
func (s *StagingArea) Prepare(name string) (string, error) {
	p, err := s.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(p); err != nil {
		return "", fmt.Errorf("failed to clean staging dir %s: %w", p, err)
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir %s: %w", p, err)
	}
	return p, nil
}

// Remove deletes the staging directory for name if present.
func (s *StagingArea) Remove(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}
