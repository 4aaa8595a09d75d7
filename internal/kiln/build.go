package kiln

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// BuildRunner executes a recipe's patches, build commands and hooks, appending
// everything they print to the per-package log.
type BuildRunner struct {
	cfg  Config
	exec *Executor
	out  *reporter
}

func NewBuildRunner(cfg Config, exec *Executor, out *reporter) *BuildRunner {
	return &BuildRunner{cfg: cfg, exec: exec, out: out}
}

// Env is the environment every command of r sees. Variables already present
// in the process environment are overridden, never duplicated.
func (b *BuildRunner) Env(r *Recipe, staging string) []string {
	vars := map[string]string{
		"DESTDIR":      staging,
		"KILN_NAME":    r.Name,
		"KILN_VERSION": r.Version,
		"KILN_ROOT":    b.cfg.Root,
		"SOURCES":      b.cfg.SourcesDir,
		"PATCHES":      b.cfg.PatchesDir,
		"BIN_DIR":      b.cfg.BinDir,
	}
	if b.cfg.SourceDateEpoch != nil {
		vars["SOURCE_DATE_EPOCH"] = strconv.FormatInt(b.cfg.SourceDateEpoch.Unix(), 10)
	}

	env := make([]string, 0, len(os.Environ())+len(vars))
	for _, e := range os.Environ() {
		key, _, _ := strings.Cut(e, "=")
		if _, override := vars[key]; override {
			continue
		}
		env = append(env, e)
	}

	// Sort keys for deterministic order
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// openLog opens the package log for appending; earlier runs are preserved.
func (b *BuildRunner) openLog(name string) (*os.File, string, error) {
	logPath := b.cfg.LogPath(name)
	f, err := openLogFile(logPath)
	return f, logPath, err
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// runLogged writes the marker line, then runs command in dir with env.
func (b *BuildRunner) runLogged(logFile io.Writer, marker, dir string, env []string, cmd *exec.Cmd) error {
	cmd.Dir = dir
	cmd.Env = env
	return runLogged(b.exec, b.out, logFile, marker, cmd)
}

// runLogged appends marker and everything cmd prints to logFile. In verbose
// mode the output is echoed to the console as well.
func runLogged(ex *Executor, out *reporter, logFile io.Writer, marker string, cmd *exec.Cmd) error {
	if _, err := fmt.Fprintf(logFile, "\n%s\n", marker); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	w := logFile
	if out.verbose {
		w = io.MultiWriter(out.w, logFile)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	return ex.Run(cmd)
}

// ApplyPatches applies each patch file in order with patch -p1 inside srcDir.
func (b *BuildRunner) ApplyPatches(r *Recipe, srcDir string, patchFiles []string) error {
	if len(patchFiles) == 0 {
		return nil
	}
	logFile, logPath, err := b.openLog(r.Name)
	if err != nil {
		return err
	}
	defer logFile.Close()

	env := b.Env(r, "")
	for _, p := range patchFiles {
		b.out.step("Applying patch %s", p)
		cmd := exec.Command("patch", "-p1", "-i", p)
		if err := b.runLogged(logFile, "$ patch -p1 -i "+p, srcDir, env, cmd); err != nil {
			return &CommandError{
				Package:  r.Name,
				Step:     "patch",
				Command:  "patch -p1 -i " + p,
				ExitCode: exitCodeOf(err),
				LogPath:  logPath,
				Err:      err,
			}
		}
	}
	return nil
}

// Run executes r's build commands in order inside srcDir with DESTDIR set to
// staging. The first failing command aborts the build; later ones never run.
func (b *BuildRunner) Run(r *Recipe, srcDir, staging string) (string, error) {
	logFile, logPath, err := b.openLog(r.Name)
	if err != nil {
		return logPath, err
	}
	defer logFile.Close()

	env := b.Env(r, staging)
	b.out.debugf("Building %s in %s, install to %s\n", r.FullName(), srcDir, staging)

	sp := b.out.startSpinner(fmt.Sprintf("Building %s", r.FullName()))
	defer sp.stop()

	for _, command := range r.Commands {
		if err := b.runLogged(logFile, "$ "+command, srcDir, env, shell(command)); err != nil {
			return logPath, &CommandError{
				Package:  r.Name,
				Step:     "build",
				Command:  command,
				ExitCode: exitCodeOf(err),
				LogPath:  logPath,
				Err:      err,
			}
		}
	}

	if b.cfg.Strip {
		stripBinaries(b.exec, staging, logFile, b.out)
	}
	return logPath, nil
}

// RunHooks runs one lifecycle hook list. Any failure is fatal to the caller.
func (b *BuildRunner) RunHooks(r *Recipe, stage string, cmds []string, workdir string) error {
	if len(cmds) == 0 {
		return nil
	}
	logFile, logPath, err := b.openLog(r.Name)
	if err != nil {
		return err
	}
	defer logFile.Close()

	staging := ""
	if p, err := NewStagingArea(b.cfg).Path(r.Name); err == nil {
		staging = p
	}
	env := b.Env(r, staging)

	b.out.step("Running %s hooks for %s", stage, r.Name)
	for _, command := range cmds {
		marker := fmt.Sprintf("[HOOK %s] $ %s", stage, command)
		if err := b.runLogged(logFile, marker, workdir, env, shell(command)); err != nil {
			return &CommandError{
				Package:  r.Name,
				Step:     stage,
				Command:  command,
				ExitCode: exitCodeOf(err),
				LogPath:  logPath,
				Err:      err,
			}
		}
	}
	return nil
}
