package sink

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/andrej220/stagehand/internal/persistence"
	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

// File writes each report as <dir>/<test>/<stage>-<exuid>.json.
type File struct {
	dir        string
	serializer persistence.Serializer
	writer     persistence.Writer
}

func NewFile(fsys afero.Fs, dir string) *File {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	opts := persistence.DefaultOptions()
	return &File{
		dir:        dir,
		serializer: persistence.JSONSerializer{Prefix: opts.Prefix, Indent: opts.Indent},
		writer:     persistence.FileWriter{Fs: fsys, Overwrite: opts.Overwrite},
	}
}

func (f *File) Publish(_ context.Context, r dm.StageReport) error {
	return persistence.WriteJSONToFile(r, filepath.Join(f.dir, reportName(r)), f.serializer, f.writer)
}

func (f *File) Close() error { return nil }
