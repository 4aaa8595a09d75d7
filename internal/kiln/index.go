package kiln

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
)

var recipeExts = []string{".yml", ".yaml"}

// RecipeStore resolves package names to recipes stored under a directory tree.
// A JSON index caches name -> path; it is only a hint, a miss or a stale
// entry falls back to a full scan.
type RecipeStore struct {
	dir       string
	indexFile string
	index     map[string]string
}

// NewRecipeStore loads the index, building it when absent or unreadable.
func NewRecipeStore(cfg Config) *RecipeStore {
	s := &RecipeStore{dir: cfg.RecipesDir, indexFile: cfg.IndexFile}
	s.index = s.loadIndex()
	return s
}

func (s *RecipeStore) loadIndex() map[string]string {
	data, err := os.ReadFile(s.indexFile)
	if err == nil {
		idx := make(map[string]string)
		if json.Unmarshal(data, &idx) == nil {
			return idx
		}
	}
	idx, err := s.Reindex()
	if err != nil {
		return s.scan()
	}
	return idx
}

func recipeNameOf(file string) (string, bool) {
	for _, ext := range recipeExts {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}

// scan walks the recipe tree. The first path in lexical walk order wins for a name.
func (s *RecipeStore) scan() map[string]string {
	idx := make(map[string]string)
	_ = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name, ok := recipeNameOf(d.Name())
		if !ok {
			return nil
		}
		if _, exists := idx[name]; !exists {
			idx[name] = path
		}
		return nil
	})
	return idx
}

// Reindex rebuilds the cache from disk and rewrites the index file.
func (s *RecipeStore) Reindex() (map[string]string, error) {
	idx := s.scan()
	s.index = idx

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return idx, err
	}
	if err := os.MkdirAll(filepath.Dir(s.indexFile), 0o755); err != nil {
		return idx, fmt.Errorf("failed to create index directory: %w", err)
	}
	if err := renameio.WriteFile(s.indexFile, append(data, '\n'), 0o644); err != nil {
		return idx, fmt.Errorf("failed to write recipe index: %w", err)
	}
	return idx, nil
}

// locate finds the file for name, trusting the index only when the file still exists.
func (s *RecipeStore) locate(name string) (string, bool) {
	if path, ok := s.index[name]; ok {
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path, true
		}
	}
	var found string
	_ = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		for _, ext := range recipeExts {
			if d.Name() == name+ext {
				found = path
				return fs.SkipAll
			}
		}
		return nil
	})
	return found, found != ""
}

// Resolve loads the recipe for name fresh from disk.
func (s *RecipeStore) Resolve(name string) (*Recipe, error) {
	path, ok := s.locate(name)
	if !ok {
		return nil, &RecipeNotFoundError{Name: name, Dir: s.dir}
	}
	r, err := LoadRecipe(path)
	if err != nil {
		return nil, err
	}
	if r.Name != name {
		return nil, fmt.Errorf("recipe %s declares name %q, expected %q", path, r.Name, name)
	}
	return r, nil
}

// Search returns every known name containing term, case-insensitively, sorted.
func (s *RecipeStore) Search(term string) []string {
	term = strings.ToLower(term)
	names := make(map[string]struct{})
	for n := range s.index {
		names[n] = struct{}{}
	}
	for n := range s.scan() {
		names[n] = struct{}{}
	}

	var out []string
	for n := range names {
		if strings.Contains(strings.ToLower(n), term) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
