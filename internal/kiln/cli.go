package kiln

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Root       string
	Debug      bool
	Verbose    bool
}

// loadConfig builds the immutable Config for one invocation, applying
// command-line overrides on top of the file and environment.
func (o *RootOptions) loadConfig(strip bool) (Config, error) {
	values, err := LoadConfigValues(o.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	if o.Root != "" {
		values["KILN_ROOT"] = o.Root
	}
	if o.Debug {
		values["KILN_DEBUG"] = "1"
	}
	if o.Verbose {
		values["KILN_VERBOSE"] = "1"
	}
	if strip {
		values["KILN_STRIP"] = "1"
	}
	return NewConfig(values)
}

func (o *RootOptions) openEngine(cmd *cobra.Command, strip bool) (*Engine, error) {
	cfg, err := o.loadConfig(strip)
	if err != nil {
		return nil, err
	}
	return NewEngine(cmd.Context(), cfg, WithOutput(cmd.OutOrStdout()))
}

// withEngine opens an engine, runs fn and always releases the manifest lock.
func (o *RootOptions) withEngine(cmd *cobra.Command, strip bool, fn func(e *Engine) error) error {
	e, err := o.openEngine(cmd, strip)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// NewRootCommand creates the kiln command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	defaultConfig := os.Getenv("KILN_CONFIG")
	if defaultConfig == "" {
		defaultConfig = DefaultConfigFile
	}

	cmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Build and install packages from source recipes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultConfig, "configuration file")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "install root (default KILN_ROOT or /)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "debug output")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "stream command output to the console")

	cmd.AddCommand(
		newInstallCommand(opts),
		newBuildCommand(opts),
		newRemoveCommand(opts),
		newListCommand(opts),
		newSearchCommand(opts),
		newInfoCommand(opts),
		newSyncCommand(opts),
		newReindexCommand(opts),
		newCleanCommand(opts),
		newUpgradeCommand(opts),
		newLogCommand(opts),
		newPushCommand(opts),
	)
	return cmd
}

func newInstallCommand(opts *RootOptions) *cobra.Command {
	var strip bool
	cmd := &cobra.Command{
		Use:     "install <pkg>...",
		Aliases: []string{"i"},
		Short:   "Build and install packages with their dependencies",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, strip, func(e *Engine) error {
				for _, name := range args {
					if err := e.Install(name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strip, "strip", false, "strip installed executables")
	return cmd
}

func newBuildCommand(opts *RootOptions) *cobra.Command {
	var strip bool
	cmd := &cobra.Command{
		Use:     "build <pkg>...",
		Aliases: []string{"b"},
		Short:   "Build package archives without installing them",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, strip, func(e *Engine) error {
				for _, name := range args {
					archive, err := e.BuildOnly(name)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), archive)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strip, "strip", false, "strip packaged executables")
	return cmd
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <pkg>...",
		Aliases: []string{"r"},
		Short:   "Remove installed packages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, false, func(e *Engine) error {
				for _, name := range args {
					if _, err := e.Remove(name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"l"},
		Short:   "List installed packages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, false, func(e *Engine) error {
				printInstalled(cmd.OutOrStdout(), e.List())
				return nil
			})
		},
	}
}

func printInstalled(w io.Writer, pkgs []InstalledPackage) {
	if len(pkgs) == 0 {
		fmt.Fprintln(w, "no packages installed")
		return
	}
	width := 0
	for _, p := range pkgs {
		if len(p.Name) > width {
			width = len(p.Name)
		}
	}
	for _, p := range pkgs {
		fmt.Fprint(w, color.Bold.Sprint(p.Name))
		fmt.Fprint(w, strings.Repeat(" ", width-len(p.Name)+2))
		fmt.Fprintln(w, color.Cyan.Sprint(p.Version))
	}
}

func newSearchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "search <term>",
		Aliases: []string{"s"},
		Short:   "Search recipe names",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, false, func(e *Engine) error {
				w := cmd.OutOrStdout()
				for _, hit := range e.Search(args[0]) {
					icon := emptyIcon
					if hit.Installed {
						icon = colSuccess.Sprint(checkIcon)
					}
					fmt.Fprintf(w, "%s %s\n", icon, hit.Name)
				}
				return nil
			})
		},
	}
}

func newInfoCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <pkg>",
		Short: "Show recipe and install details of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, false, func(e *Engine) error {
				info, err := e.Info(args[0])
				if err != nil {
					return err
				}
				printInfo(cmd.OutOrStdout(), info)
				return nil
			})
		},
	}
}

func printInfo(w io.Writer, info *PackageInfo) {
	field := func(key, val string) {
		if val == "" {
			return
		}
		fmt.Fprintf(w, "%-13s %s\n", color.Bold.Sprint(key+":"), val)
	}
	field("Name", info.Name)
	if r := info.Recipe; r != nil {
		field("Version", r.Version)
		field("Source", r.Source)
		field("Dependencies", strings.Join(r.Deps, ", "))
		field("Patches", strings.Join(r.Patches, ", "))
		field("Recipe", r.Path)
	}
	if rec := info.Record; rec != nil {
		field("Installed", fmt.Sprintf("%s (%s)", rec.Version, time.Unix(rec.InstalledAt, 0).Format(time.RFC3339)))
		field("Root", rec.Root)
		field("Files", fmt.Sprint(len(rec.Files)))
		field("Archive", rec.Archive)
		field("BLAKE3", rec.ArchiveSum)
	} else {
		field("Installed", "no")
	}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [url]",
		Short: "Clone or update the recipe repository and reindex",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := ""
			if len(args) == 1 {
				url = args[0]
			}
			return opts.withEngine(cmd, false, func(e *Engine) error {
				_, err := e.Sync(url)
				return err
			})
		},
	}
}

func newReindexCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the recipe index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, false, func(e *Engine) error {
				_, err := e.Reindex()
				return err
			})
		},
	}
}

func newCleanCommand(opts *RootOptions) *cobra.Command {
	var targets CleanTargets
	var all, yes bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Wipe work directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				targets = AllCleanTargets()
			}
			if !targets.Any() {
				return cmd.Usage()
			}
			in := bufio.NewReader(cmd.InOrStdin())
			confirm := func(label, path string) bool {
				return askForConfirmation(in, cmd.OutOrStdout(), "Delete the %s at %s?", label, path)
			}
			if yes {
				confirm = nil
			}
			return opts.withEngine(cmd, false, func(e *Engine) error {
				return e.Clean(targets, confirm)
			})
		},
	}
	cmd.Flags().BoolVar(&targets.Sources, "sources", false, "remove downloaded and unpacked sources")
	cmd.Flags().BoolVar(&targets.Patches, "patches", false, "remove downloaded patches")
	cmd.Flags().BoolVar(&targets.Staging, "destdir", false, "remove staging directories")
	cmd.Flags().BoolVar(&targets.Packages, "packages", false, "remove built package archives")
	cmd.Flags().BoolVar(&targets.Logs, "logs", false, "remove build logs")
	cmd.Flags().BoolVar(&all, "all", false, "all of the above")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func newUpgradeCommand(opts *RootOptions) *cobra.Command {
	var all, strip bool
	cmd := &cobra.Command{
		Use:   "upgrade [pkg]...",
		Short: "Rebuild and reinstall packages from their current recipes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name a package or pass --all")
			}
			return opts.withEngine(cmd, strip, func(e *Engine) error {
				if all {
					return e.UpgradeAll()
				}
				for _, name := range args {
					if err := e.Upgrade(name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "upgrade every installed package")
	cmd.Flags().BoolVar(&strip, "strip", false, "strip installed executables")
	return cmd
}

func newLogCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <pkg>",
		Short: "Show the build log of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			return ShowLog(cfg, args[0], cmd.OutOrStdout())
		},
	}
}

func newPushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <pkg>",
		Short: "Upload a package archive to the S3 mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, false, func(e *Engine) error {
				key, err := e.Push(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
}

// Main is the CLI entrypoint for cmd/kiln.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil {
		return
	}

	fmt.Fprint(os.Stderr, colArrow.Sprint("-> "))
	fmt.Fprintln(os.Stderr, colError.Sprint(err))
	if logPath := LogPathOf(err); logPath != "" {
		fmt.Fprintln(os.Stderr, colNote.Sprintf("See the log at %s", logPath))
	}
	if ctx.Err() != nil {
		stop()
		os.Exit(130)
	}
	os.Exit(ExitCode(err))
}
