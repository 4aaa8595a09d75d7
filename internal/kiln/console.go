package kiln

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

const (
	checkIcon = "[✔]"
	emptyIcon = "[ ]"
)

// reporter prints operator-facing progress. It never influences control flow.
type reporter struct {
	w       io.Writer
	debug   bool
	verbose bool
}

func newReporter(w io.Writer, cfg Config) *reporter {
	if w == nil {
		w = os.Stdout
	}
	return &reporter{w: w, debug: cfg.Debug, verbose: cfg.Verbose}
}

// step prints "-> msg" in the success theme.
func (r *reporter) step(format string, a ...any) {
	fmt.Fprint(r.w, colArrow.Sprint("-> "))
	fmt.Fprintln(r.w, colSuccess.Sprintf(format, a...))
}

func (r *reporter) header(format string, a ...any) {
	fmt.Fprintln(r.w, colInfo.Sprintf("\n==> "+format, a...))
}

func (r *reporter) warn(format string, a ...any) {
	fmt.Fprint(r.w, colArrow.Sprint("-> "))
	fmt.Fprintln(r.w, colWarn.Sprintf(format, a...))
}

func (r *reporter) errorf(format string, a ...any) {
	fmt.Fprint(r.w, colArrow.Sprint("-> "))
	fmt.Fprintln(r.w, colError.Sprintf(format, a...))
}

func (r *reporter) note(format string, a ...any) {
	fmt.Fprintln(r.w, colNote.Sprintf(format, a...))
}

// debugf prints only when debugging is on
func (r *reporter) debugf(format string, a ...any) {
	if r.debug {
		fmt.Fprintf(r.w, format, a...)
	}
}

func (r *reporter) isTerminal() bool {
	f, ok := r.w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// spinner animates a progressbar spinner from a background goroutine. It
// carries no data; stop joins the goroutine before returning.
type spinner struct {
	bar  *progressbar.ProgressBar
	done chan struct{}
	wg   sync.WaitGroup
}

// startSpinner returns nil when the console is not a terminal or when verbose
// output already streams command output.
func (r *reporter) startSpinner(message string) *spinner {
	if !r.isTerminal() || r.verbose {
		return nil
	}
	s := &spinner{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSetDescription(message),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = s.bar.Add(1)
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *spinner) stop() {
	if s == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
	_ = s.bar.Finish()
}

// newDownloadBar renders byte progress for a download on a terminal, or
// discards writes otherwise.
func (r *reporter) newDownloadBar(size int64, name string) io.Writer {
	if !r.isTerminal() {
		return io.Discard
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(r.w),
		progressbar.OptionSetDescription("Downloading "+name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}
