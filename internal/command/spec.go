// Package command describes the declarative operations executed against target hosts:
// command specifications, host selectors, stages and timed schedule entries.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration marks malformed specifications and schedule entries.
var ErrConfiguration = errors.New("configuration error")

type Kind string

const (
	KindExec       Kind = "exec"
	KindUpload     Kind = "upload"
	KindDownload   Kind = "download"
	KindCreateFile Kind = "create_file"
)

// Transfer moves one file between the orchestrating machine and a target host.
type Transfer struct {
	Local  string `json:"local" yaml:"local" validate:"required"`
	Remote string `json:"remote" yaml:"remote" validate:"required"`
}

type FileContent struct {
	Path     string `json:"path" yaml:"path" validate:"required"`
	Contents string `json:"contents" yaml:"contents"`
}

// Spec is one declarative operation addressed to the hosts matched by Target.
// Exactly one of Exec, Upload, Download and CreateFile must be set.
type Spec struct {
	Name       string       `json:"name,omitempty" yaml:"name,omitempty"`
	Target     Selector     `json:"target" yaml:"target"`
	Exec       []string     `json:"exec,omitempty" yaml:"exec,omitempty" validate:"omitempty,min=1"`
	Upload     *Transfer    `json:"upload,omitempty" yaml:"upload,omitempty" validate:"omitempty"`
	Download   *Transfer    `json:"download,omitempty" yaml:"download,omitempty" validate:"omitempty"`
	CreateFile *FileContent `json:"create_file,omitempty" yaml:"create_file,omitempty" validate:"omitempty"`
	Timeout    Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	PTY        bool         `json:"pty,omitempty" yaml:"pty,omitempty"`
	Sequential bool         `json:"sequential,omitempty" yaml:"sequential,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Kind reports which operation the spec carries.
func (s Spec) Kind() (Kind, error) {
	var kinds []Kind
	if s.Exec != nil {
		kinds = append(kinds, KindExec)
	}
	if s.Upload != nil {
		kinds = append(kinds, KindUpload)
	}
	if s.Download != nil {
		kinds = append(kinds, KindDownload)
	}
	if s.CreateFile != nil {
		kinds = append(kinds, KindCreateFile)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("%w: spec %q declares no operation", ErrConfiguration, s.Label())
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("%w: spec %q declares several operations %v", ErrConfiguration, s.Label(), kinds)
	}
}

// Validate checks field constraints and that exactly one operation is present.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: spec %q: %v", ErrConfiguration, s.Label(), err)
	}
	if s.Target.IsZero() {
		return fmt.Errorf("%w: spec %q has no target", ErrConfiguration, s.Label())
	}
	kind, err := s.Kind()
	if err != nil {
		return err
	}
	if kind == KindExec && strings.TrimSpace(strings.Join(s.Exec, "")) == "" {
		return fmt.Errorf("%w: spec %q has an empty command line", ErrConfiguration, s.Label())
	}
	return nil
}

// Label is the name used in logs and results.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	switch {
	case len(s.Exec) > 0:
		return strings.Join(s.Exec, " ")
	case s.Upload != nil:
		return "upload " + s.Upload.Local
	case s.Download != nil:
		return "download " + s.Download.Remote
	case s.CreateFile != nil:
		return "create " + s.CreateFile.Path
	}
	return "<empty>"
}

// TimedSpec is a during-test entry: a spec executed At after the test starts.
// At is a pointer so a missing field can be told apart from a zero offset.
type TimedSpec struct {
	At   *Duration `json:"at" yaml:"at"`
	Spec `yaml:",inline"`
}
