package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// FileStore reads and writes one YAML document.
type FileStore struct {
	Fs   afero.Fs
	Path string
	// Strict rejects keys that do not map to a field.
	Strict bool
}

func New(fsys afero.Fs, path string) *FileStore {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &FileStore{Fs: fsys, Path: path, Strict: true}
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	data, err := afero.ReadFile(f.Fs, f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(f.Strict)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal YAML: %w", err)
	}

	// Write to temp file first
	tmpPath := f.Path + ".tmp"
	if err := afero.WriteFile(f.Fs, tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}

	// Atomic rename
	if err := f.Fs.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}
