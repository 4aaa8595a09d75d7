package kiln

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GitPrefix marks a source locator that is cloned instead of downloaded.
const GitPrefix = "git+"

// Recipe is the canonical, read-only description of one package.
type Recipe struct {
	Name        string
	Version     string
	Source      string
	Deps        []string
	Patches     []string
	Commands    []string
	PreInstall  []string
	PostInstall []string
	PreRemove   []string
	PostRemove  []string

	// Path is the recipe file the record was loaded from.
	Path string
}

// IsGit reports whether the source is a version-control checkout.
func (r *Recipe) IsGit() bool {
	return strings.HasPrefix(r.Source, GitPrefix)
}

// FullName is name-version.
func (r *Recipe) FullName() string {
	return r.Name + "-" + r.Version
}

// recipeDocument accepts both the English and the Portuguese field vocabulary.
// Only normalize looks at it.
type recipeDocument struct {
	Name   string `yaml:"name"`
	NamePT string `yaml:"nome"`

	Version   string `yaml:"version"`
	VersionPT string `yaml:"versão"`

	URL string `yaml:"url"`

	Deps   []string `yaml:"deps"`
	DepsPT []string `yaml:"dependências"`

	Commands   []string `yaml:"commands"`
	CommandsPT []string `yaml:"comandos"`

	Patches []string `yaml:"patches"`

	PreInstall  []string `yaml:"pre_install"`
	PostInstall []string `yaml:"post_install"`
	PreRemove   []string `yaml:"pre_remove"`
	PostRemove  []string `yaml:"post_remove"`
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstList(vals ...[]string) []string {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

// validPackageName rejects names that would escape the per-name directories.
func validPackageName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

func (d recipeDocument) normalize(path string) (*Recipe, error) {
	r := &Recipe{
		Name:        strings.TrimSpace(firstString(d.NamePT, d.Name)),
		Version:     firstString(d.VersionPT, d.Version, "0"),
		Source:      strings.TrimSpace(d.URL),
		Deps:        firstList(d.DepsPT, d.Deps),
		Commands:    firstList(d.CommandsPT, d.Commands),
		Patches:     d.Patches,
		PreInstall:  d.PreInstall,
		PostInstall: d.PostInstall,
		PreRemove:   d.PreRemove,
		PostRemove:  d.PostRemove,
		Path:        path,
	}
	if r.Name == "" {
		return nil, fmt.Errorf("recipe %s has no name", path)
	}
	if !validPackageName(r.Name) {
		return nil, fmt.Errorf("recipe %s: invalid package name %q", path, r.Name)
	}
	return r, nil
}

// ParseRecipe decodes a YAML recipe document.
func ParseRecipe(data []byte, path string) (*Recipe, error) {
	var doc recipeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing recipe %s: %w", path, err)
	}
	return doc.normalize(path)
}

// LoadRecipe reads and parses the recipe at path.
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe: %w", err)
	}
	return ParseRecipe(data, path)
}
