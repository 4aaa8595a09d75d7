package kiln

import (
	"errors"
	"time"
)

// InstalledPackage is one row of List.
type InstalledPackage struct {
	Name        string
	Version     string
	InstalledAt time.Time
}

// List returns installed packages sorted by name.
func (e *Engine) List() []InstalledPackage {
	var out []InstalledPackage
	for _, name := range e.manifest.Names() {
		rec, _ := e.manifest.Get(name)
		out = append(out, InstalledPackage{
			Name:        name,
			Version:     rec.Version,
			InstalledAt: time.Unix(rec.InstalledAt, 0),
		})
	}
	return out
}

// SearchHit is a recipe name matching a search term.
type SearchHit struct {
	Name      string
	Installed bool
}

// Search matches term against every known recipe name.
func (e *Engine) Search(term string) []SearchHit {
	var hits []SearchHit
	for _, name := range e.recipes.Search(term) {
		hits = append(hits, SearchHit{Name: name, Installed: e.manifest.Has(name)})
	}
	return hits
}

// PackageInfo joins a recipe with its install record, either may be absent.
type PackageInfo struct {
	Name   string
	Recipe *Recipe
	Record *InstallRecord
}

// Info describes name. It fails only when neither a recipe nor a record exists.
func (e *Engine) Info(name string) (*PackageInfo, error) {
	info := &PackageInfo{Name: name}
	r, err := e.recipes.Resolve(name)
	switch {
	case err == nil:
		info.Recipe = r
	case !errors.Is(err, ErrRecipeNotFound):
		return nil, err
	}
	if rec, ok := e.manifest.Get(name); ok {
		info.Record = &rec
	}
	if info.Recipe == nil && info.Record == nil {
		return nil, err
	}
	return info, nil
}
