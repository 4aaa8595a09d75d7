package kiln

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testConfig returns a Config whose every directory lives under a fresh temp dir.
func testConfig(t *testing.T, extra ...string) Config {
	t.Helper()
	base := t.TempDir()
	values := map[string]string{
		"KILN_BASE":    base,
		"KILN_ROOT":    filepath.Join(base, "root"),
		"KILN_BIN_DIR": filepath.Join(base, "bin"),
	}
	for i := 0; i+1 < len(extra); i += 2 {
		values[extra[i]] = extra[i+1]
	}
	cfg, err := NewConfig(values)
	require.NoError(t, err)
	return cfg
}

// writeRecipe stores a recipe document as <recipes>/<name>.yml.
func writeRecipe(t *testing.T, cfg Config, name, body string) string {
	t.Helper()
	p := filepath.Join(cfg.RecipesDir, name+".yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithOutput(io.Discard)}, opts...)
	e, err := NewEngine(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func testReporter(cfg Config) *reporter {
	return newReporter(io.Discard, cfg)
}
