package kiln

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	ErrRecipeNotFound   = errors.New("recipe not found")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrFetch            = errors.New("fetch failed")
	ErrCommand          = errors.New("command failed")
	ErrArchiveIntegrity = errors.New("archive integrity violation")
	ErrManifestIO       = errors.New("manifest i/o failed")
)

// RecipeNotFoundError is returned when no recipe file exists for a name.
type RecipeNotFoundError struct {
	Name string
	Dir  string
}

func (e *RecipeNotFoundError) Error() string {
	return fmt.Sprintf("recipe %q not found in %s", e.Name, e.Dir)
}

func (e *RecipeNotFoundError) Is(target error) bool { return target == ErrRecipeNotFound }

// CyclicDependencyError lists the in-progress chain that led back to a package.
type CyclicDependencyError struct {
	Chain []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Chain, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// FetchError wraps any failure obtaining a source, patch or archive.
type FetchError struct {
	Locator string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// CommandError describes an external command (patch, build step or hook) that
// exited non-zero or could not be started.
type CommandError struct {
	Package  string
	Step     string
	Command  string
	ExitCode int
	LogPath  string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %s command failed (exit %d): %s", e.Package, e.Step, e.ExitCode, e.Command)
	if e.LogPath != "" {
		msg += " (see " + e.LogPath + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool { return target == ErrCommand }

// ArchiveIntegrityError rejects an archive entry that would land outside the root.
type ArchiveIntegrityError struct {
	Archive string
	Entry   string
	Reason  string
}

func (e *ArchiveIntegrityError) Error() string {
	return fmt.Sprintf("archive %s: entry %q rejected: %s", e.Archive, e.Entry, e.Reason)
}

func (e *ArchiveIntegrityError) Is(target error) bool { return target == ErrArchiveIntegrity }

// ManifestIOError is returned when the install manifest cannot be read or written.
type ManifestIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *ManifestIOError) Error() string {
	return fmt.Sprintf("manifest %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ManifestIOError) Unwrap() error { return e.Err }

func (e *ManifestIOError) Is(target error) bool { return target == ErrManifestIO }

// InstallError records the lifecycle phase a package failed in.
type InstallError struct {
	Package string
	Phase   Phase
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s failed during %s: %v", e.Package, e.Phase, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// isStructural reports errors that abort a whole top-level operation rather
// than a single package branch.
func isStructural(err error) bool {
	return errors.Is(err, ErrCyclicDependency) || errors.Is(err, ErrManifestIO)
}

// exitCodeOf extracts the exit status of a finished process, or -1.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return cmdErr.ExitCode
	}
	return 1
}

// LogPathOf returns the package log mentioned by err, if any.
func LogPathOf(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.LogPath
	}
	return ""
}
