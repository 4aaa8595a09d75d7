package kiln

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigFile is read when neither --config nor KILN_CONFIG is given.
const DefaultConfigFile = "/etc/kiln.conf"

// Config holds every path and switch the engine needs. It is built once per
// invocation and handed to each component; nothing mutates it afterwards.
type Config struct {
	BaseDir      string
	RepoDir      string
	RecipesDir   string
	IndexFile    string
	SourcesDir   string
	PatchesDir   string
	StagingDir   string
	PackagesDir  string
	LogsDir      string
	BinDir       string
	ManifestFile string

	// Root is the install root archives are extracted into.
	Root string

	Strip   bool
	Debug   bool
	Verbose bool

	// Format selects the package codec: "gz" or "zst".
	Format string

	// SourceDateEpoch, when non-nil, clamps archive entry mtimes.
	SourceDateEpoch *time.Time

	Mirror MirrorConfig
}

// MirrorConfig describes an S3 compatible bucket used for s3:// sources and push.
type MirrorConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether enough settings are present to build a client.
func (m MirrorConfig) Enabled() bool {
	return m.Bucket != "" && m.AccessKeyID != "" && m.SecretAccessKey != ""
}

// LoadConfigValues reads a KEY=VALUE file and merges KILN_* environment overrides.
// A missing file is not an error.
func LoadConfigValues(path string) (map[string]string, error) {
	values := make(map[string]string)

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return values, fmt.Errorf("reading %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return values, fmt.Errorf("opening %s: %w", path, err)
	}

	mergeEnvOverrides(values, os.Environ())
	return values, nil
}

// mergeEnvOverrides copies KILN_* and SOURCE_DATE_EPOCH entries over file values.
func mergeEnvOverrides(values map[string]string, environ []string) {
	for _, env := range environ {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], "KILN_") || parts[0] == "SOURCE_DATE_EPOCH" {
			values[parts[0]] = parts[1]
		}
	}
}

// NewConfig resolves defaults for every unset key.
func NewConfig(values map[string]string) (Config, error) {
	get := func(key, def string) string {
		if v := values[key]; v != "" {
			return v
		}
		return def
	}

	base := values["KILN_BASE"]
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolving working directory: %w", err)
		}
		base = wd
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return Config{}, err
	}

	home, _ := os.UserHomeDir()
	if home == "" {
		home = base
	}

	cfg := Config{
		BaseDir:      base,
		RepoDir:      get("KILN_REPO", filepath.Join(base, "repo")),
		SourcesDir:   get("KILN_SOURCES", filepath.Join(base, "sources")),
		PatchesDir:   get("KILN_PATCHES", filepath.Join(base, "patches")),
		StagingDir:   get("KILN_DESTDIR", filepath.Join(base, "destdir")),
		PackagesDir:  get("KILN_PACKAGES", filepath.Join(base, "packages")),
		LogsDir:      get("KILN_LOGS", filepath.Join(base, "logs")),
		BinDir:       get("KILN_BIN_DIR", filepath.Join(home, ".kiln", "bin")),
		ManifestFile: get("KILN_DB", filepath.Join(base, "installed.json")),
		Root:         get("KILN_ROOT", "/"),
		Strip:        values["KILN_STRIP"] == "1",
		Debug:        values["KILN_DEBUG"] == "1",
		Verbose:      values["KILN_VERBOSE"] == "1",
		Format:       get("KILN_FORMAT", "gz"),
		Mirror: MirrorConfig{
			Endpoint:        values["KILN_S3_ENDPOINT"],
			Bucket:          values["KILN_S3_BUCKET"],
			Region:          get("KILN_S3_REGION", "auto"),
			AccessKeyID:     values["KILN_S3_ACCESS_KEY_ID"],
			SecretAccessKey: values["KILN_S3_SECRET_ACCESS_KEY"],
		},
	}
	cfg.RecipesDir = filepath.Join(cfg.RepoDir, "recipes")
	cfg.IndexFile = filepath.Join(cfg.RepoDir, "index.json")

	if cfg.Format != "gz" && cfg.Format != "zst" {
		return Config{}, fmt.Errorf("unsupported KILN_FORMAT %q (want gz or zst)", cfg.Format)
	}

	if epoch := values["SOURCE_DATE_EPOCH"]; epoch != "" {
		sec, err := strconv.ParseInt(epoch, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SOURCE_DATE_EPOCH %q: %w", epoch, err)
		}
		t := time.Unix(sec, 0).UTC()
		cfg.SourceDateEpoch = &t
	}

	return cfg.withAbsRoot()
}

func (c Config) withAbsRoot() (Config, error) {
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return c, fmt.Errorf("resolving install root %s: %w", c.Root, err)
	}
	c.Root = root
	return c, nil
}

// WithRoot returns a copy of c installing into root.
func (c Config) WithRoot(root string) (Config, error) {
	c.Root = root
	return c.withAbsRoot()
}

// EnsureDirs creates the work directories.
func (c Config) EnsureDirs() error {
	dirs := []string{c.RepoDir, c.RecipesDir, c.SourcesDir, c.PatchesDir, c.StagingDir, c.PackagesDir, c.LogsDir}
	if c.BinDir != "" {
		dirs = append(dirs, c.BinDir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

// LogPath is the append-only log for one package.
func (c Config) LogPath(name string) string {
	return filepath.Join(c.LogsDir, name+".log")
}

// SyncLogPath is the log for recipe repository syncs. It sits in a
// subdirectory so no package log can share its name.
func (c Config) SyncLogPath() string {
	return filepath.Join(c.LogsDir, "kiln", "sync.log")
}
