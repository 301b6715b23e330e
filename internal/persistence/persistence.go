// Package persistence serializes documents and writes them to files.
package persistence

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

type Options struct {
	Overwrite bool
	Prefix    string
	Indent    string
}

func DefaultOptions() Options {
	return Options{Overwrite: true, Indent: "    "}
}

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

// FileWriter writes files through an afero filesystem, creating parent directories.
type FileWriter struct {
	Fs        afero.Fs
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	fsys := w.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if _, err := fsys.Stat(filename); err == nil && !w.Overwrite {
		return fs.ErrExist
	}
	if err := fsys.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fsys, filename, data, 0o644)
}

// WriteJSONToFile persists data to filename using the provided Serializer and Writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("failed to write data: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON writes data as indented JSON to filename on fsys.
func WriteJSON(fsys afero.Fs, data any, filename string, opts ...Options) error {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	return WriteJSONToFile(data, filename,
		JSONSerializer{Prefix: opt.Prefix, Indent: opt.Indent},
		FileWriter{Fs: fsys, Overwrite: opt.Overwrite})
}
