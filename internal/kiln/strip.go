package kiln

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
)

// stripDirs are the staging subdirectories whose executables get stripped.
var stripDirs = []string{"usr/bin", "usr/sbin", "bin", "sbin"}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, elfMagic)
}

// strippable lists executable ELF files under the strip dirs of staging.
func strippable(staging string) []string {
	var paths []string
	for _, dir := range stripDirs {
		root := filepath.Join(staging, dir)
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Mode().Perm()&0o111 == 0 {
				return nil
			}
			if isELF(p) {
				paths = append(paths, p)
			}
			return nil
		})
	}
	sort.Strings(paths)
	return paths
}

// stripBinaries runs strip --strip-unneeded on every executable in the strip
// dirs. A failure on one file is logged and never fails the build.
func stripBinaries(buildExec *Executor, staging string, logFile io.Writer, out *reporter) {
	paths := strippable(staging)
	if len(paths) == 0 {
		out.debugf("-> No stripable ELF files found.\n")
		return
	}
	out.step("Stripping %d executables", len(paths))

	maxConcurrency := runtime.GOMAXPROCS(0)
	if maxConcurrency < 2 {
		maxConcurrency = 2
	}
	concurrencyLimit := make(chan struct{}, maxConcurrency)

	var wg sync.WaitGroup
	var logMu sync.Mutex
	for _, p := range paths {
		wg.Add(1)
		concurrencyLimit <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-concurrencyLimit }()

			info, err := os.Stat(p)
			if err != nil {
				return
			}
			orig := info.Mode().Perm()
			// strip needs write permission; restore the original mode afterwards
			if orig&0o200 == 0 {
				if err := os.Chmod(p, orig|0o200); err != nil {
					return
				}
				defer os.Chmod(p, orig)
			}

			var buf bytes.Buffer
			cmd := exec.Command("strip", "--strip-unneeded", p)
			cmd.Stdout = &buf
			cmd.Stderr = &buf
			err = buildExec.Run(cmd)

			logMu.Lock()
			defer logMu.Unlock()
			fmt.Fprintf(logFile, "\n$ strip --strip-unneeded %s\n", p)
			logFile.Write(buf.Bytes())
			if err != nil {
				fmt.Fprintf(logFile, "strip failed for %s: %v\n", p, err)
				out.debugf("Warning: failed to strip %s: %v\n", p, err)
			}
		}(p)
	}
	wg.Wait()
}
