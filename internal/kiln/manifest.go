package kiln

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
)

// InstallRecord is the manifest entry for one installed package.
type InstallRecord struct {
	Version     string   `json:"version"`
	Files       []string `json:"files"`
	Dirs        []string `json:"dirs,omitempty"`
	Archive     string   `json:"package_file"`
	ArchiveSum  string   `json:"archive_b3sum,omitempty"`
	StagingDir  string   `json:"destdir"`
	BinFiles    []string `json:"bin_files,omitempty"`
	Root        string   `json:"installed_root"`
	InstalledAt int64    `json:"installed_at"`
	RecipePath  string   `json:"recipe_path"`
}

// ManifestStore is the persistent name -> InstallRecord mapping. The presence
// of a record is the only definition of "installed". Every mutation rewrites
// the whole file atomically before returning.
type ManifestStore struct {
	path    string
	records map[string]InstallRecord
	lock    *fileLock
}

// OpenManifest takes the manifest lock and loads the current records.
func OpenManifest(path string) (*ManifestStore, error) {
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, &ManifestIOError{Path: path, Op: "lock", Err: err}
	}
	m := &ManifestStore{path: path, lock: lock}
	if err := m.load(); err != nil {
		lock.release()
		return nil, err
	}
	return m, nil
}

func (m *ManifestStore) load() error {
	m.records = make(map[string]InstallRecord)
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &ManifestIOError{Path: m.path, Op: "read", Err: err}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &m.records); err != nil {
		return &ManifestIOError{Path: m.path, Op: "decode", Err: err}
	}
	if m.records == nil {
		m.records = make(map[string]InstallRecord)
	}
	return nil
}

// Close releases the manifest lock.
func (m *ManifestStore) Close() error {
	return m.lock.release()
}

// Path is the manifest file location.
func (m *ManifestStore) Path() string { return m.path }

// Get returns the record for name and whether it exists.
func (m *ManifestStore) Get(name string) (InstallRecord, bool) {
	rec, ok := m.records[name]
	return rec, ok
}

// Has reports whether name is installed.
func (m *ManifestStore) Has(name string) bool {
	_, ok := m.records[name]
	return ok
}

// Put stores rec under name. On a failed flush the in-memory state is rolled back.
func (m *ManifestStore) Put(name string, rec InstallRecord) error {
	prev, had := m.records[name]
	m.records[name] = rec
	if err := m.save(); err != nil {
		if had {
			m.records[name] = prev
		} else {
			delete(m.records, name)
		}
		return err
	}
	return nil
}

// Delete removes name. On a failed flush the record is restored.
func (m *ManifestStore) Delete(name string) error {
	prev, had := m.records[name]
	if !had {
		return nil
	}
	delete(m.records, name)
	if err := m.save(); err != nil {
		m.records[name] = prev
		return err
	}
	return nil
}

// All returns a copy of the mapping.
func (m *ManifestStore) All() map[string]InstallRecord {
	out := make(map[string]InstallRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// Names returns installed package names in manifest iteration order (sorted).
func (m *ManifestStore) Names() []string {
	names := make([]string, 0, len(m.records))
	for n := range m.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *ManifestStore) save() error {
	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return &ManifestIOError{Path: m.path, Op: "encode", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return &ManifestIOError{Path: m.path, Op: "write", Err: err}
	}
	if err := renameio.WriteFile(m.path, append(data, '\n'), 0o644); err != nil {
		return &ManifestIOError{Path: m.path, Op: "write", Err: fmt.Errorf("atomic rewrite: %w", err)}
	}
	return nil
}
