package kiln

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Executor runs external commands. Each command gets its own process group so
// a cancelled context takes down the whole tree a build script spawned.
type Executor struct {
	Context context.Context
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run starts cmd and blocks until it exits. Unset stdout and stderr fall back
// to the process's own streams; an empty Env inherits the current environment.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if len(cmd.Env) == 0 {
		cmd.Env = os.Environ()
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := cmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			return fmt.Errorf("command aborted: %w", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

// shell wraps a command string for sh -c.
func shell(command string) *exec.Cmd {
	return exec.Command("sh", "-c", command)
}
