// Package config loads the workload configuration of a stagehand run: the host
// inventory, hook stages, during-test schedules, tests and result sinks.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/hostconn"
	"github.com/andrej220/stagehand/internal/hosts"
	"github.com/andrej220/stagehand/internal/lg"
	"github.com/andrej220/stagehand/internal/sink"
	"github.com/andrej220/stagehand/pkg/config/filestore"
)

const (
	DefaultFileName   = "stagehand.yaml"
	EffectiveFileName = "stagehand.effective.yaml"
)

// Store loads and saves a configuration document.
type Store interface {
	Load(out any) error
	Save(data any) error
}

var _ Store = (*filestore.FileStore)(nil)

type Config struct {
	Log lg.Config `yaml:"log" json:"log"`

	// Mechanism is the default spawn mechanism of remote hosts.
	Mechanism hostconn.Mechanism      `yaml:"mechanism,omitempty" json:"mechanism,omitempty" validate:"omitempty,oneof=local ssh agent"`
	SSH       hostconn.SSHConfig      `yaml:"ssh" json:"ssh"`
	Agent     hostconn.AgentConfig    `yaml:"agent" json:"agent"`
	Hosts     map[string][]hosts.Host `yaml:"hosts" json:"hosts" validate:"required,min=1,dive,min=1,dive"`

	// Hooks hold the task-wide stages; their during_test entries form the cluster scope.
	Hooks    Hooks    `yaml:"hooks" json:"hooks"`
	Workload Workload `yaml:"workload" json:"workload"`
	Tests    []Test   `yaml:"tests" json:"tests" validate:"dive"`

	Results sink.Config `yaml:"results" json:"results"`
}

type Hooks struct {
	PreTask    []command.Spec      `yaml:"pre_task,omitempty" json:"pre_task,omitempty"`
	PreTest    []command.Spec      `yaml:"pre_test,omitempty" json:"pre_test,omitempty"`
	PostTest   []command.Spec      `yaml:"post_test,omitempty" json:"post_test,omitempty"`
	PostTask   []command.Spec      `yaml:"post_task,omitempty" json:"post_task,omitempty"`
	DuringTest []command.TimedSpec `yaml:"during_test,omitempty" json:"during_test,omitempty"`
}

// Workload holds settings shared by every test: the stage scope of during_test
// entries and the inbound listener.
type Workload struct {
	DuringTest []command.TimedSpec `yaml:"during_test,omitempty" json:"during_test,omitempty"`
	Inbound    *Inbound            `yaml:"inbound,omitempty" json:"inbound,omitempty"`
}

// Inbound configures the listener accepting command requests during tests.
type Inbound struct {
	// Listen is the local address of the listener.
	Listen string `yaml:"listen" json:"listen" validate:"required"`
	// Via names the host whose side of the tunnel the listener is reachable
	// from. Empty listens on this machine only.
	Via string `yaml:"via,omitempty" json:"via,omitempty"`
	// RemoteAddr is the address opened on the Via host; defaults to Listen.
	RemoteAddr string `yaml:"remote_addr,omitempty" json:"remote_addr,omitempty"`
	ChunkSize  int    `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty" validate:"gte=0"`
}

type Test struct {
	ID string `yaml:"id" json:"id" validate:"required"`
	// Run is the test body, executed after pre_test with the scheduler running.
	Run []command.Spec `yaml:"run,omitempty" json:"run,omitempty"`
	// Duration keeps the test running after Run until it has lasted this long.
	Duration   command.Duration    `yaml:"duration,omitempty" json:"duration,omitempty" validate:"gte=0"`
	PreTest    []command.Spec      `yaml:"pre_test,omitempty" json:"pre_test,omitempty"`
	PostTest   []command.Spec      `yaml:"post_test,omitempty" json:"post_test,omitempty"`
	DuringTest []command.TimedSpec `yaml:"during_test,omitempty" json:"during_test,omitempty"`
	// NoInbound disables the inbound listener for this test.
	NoInbound bool `yaml:"no_inbound,omitempty" json:"no_inbound,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, decodes and validates the configuration at path.
func Load(fsys afero.Fs, path string) (*Config, error) {
	return LoadFrom(filestore.New(fsys, path))
}

func LoadFrom(store Store) (*Config, error) {
	var cfg Config
	if err := store.Load(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", command.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration, as used by a run, to dir.
func (c *Config) Save(fsys afero.Fs, dir string) error {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return filestore.New(fsys, filepath.Join(dir, EffectiveFileName)).Save(c)
}

// Validate checks field constraints, host aliases, every spec and every
// schedule entry. All problems are reported together.
func (c *Config) Validate() error {
	var result *multierror.Error
	if err := validate.Struct(c); err != nil {
		result = multierror.Append(result, err)
	}
	inv, err := c.Inventory()
	if err != nil {
		result = multierror.Append(result, err)
	}

	checkSpecs := func(where string, specs []command.Spec) {
		for i, s := range specs {
			if err := s.Validate(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s[%d]: %w", where, i, err))
			}
		}
	}
	checkTimed := func(where string, entries []command.TimedSpec) {
		for i, e := range entries {
			if e.At == nil {
				result = multierror.Append(result, fmt.Errorf("%s[%d]: %w: missing \"at\"", where, i, command.ErrConfiguration))
			}
			if err := e.Spec.Validate(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s[%d]: %w", where, i, err))
			}
		}
	}

	checkSpecs("hooks.pre_task", c.Hooks.PreTask)
	checkSpecs("hooks.pre_test", c.Hooks.PreTest)
	checkSpecs("hooks.post_test", c.Hooks.PostTest)
	checkSpecs("hooks.post_task", c.Hooks.PostTask)
	checkTimed("hooks.during_test", c.Hooks.DuringTest)
	checkTimed("workload.during_test", c.Workload.DuringTest)

	seen := make(map[string]bool, len(c.Tests))
	for _, t := range c.Tests {
		if seen[t.ID] {
			result = multierror.Append(result, fmt.Errorf("%w: duplicate test id %q", command.ErrConfiguration, t.ID))
		}
		seen[t.ID] = true
		checkSpecs("tests."+t.ID+".run", t.Run)
		checkSpecs("tests."+t.ID+".pre_test", t.PreTest)
		checkSpecs("tests."+t.ID+".post_test", t.PostTest)
		checkTimed("tests."+t.ID+".during_test", t.DuringTest)
	}

	if in := c.Workload.Inbound; in != nil && in.Via != "" && inv != nil {
		if _, ok := inv.Lookup(in.Via); !ok {
			result = multierror.Append(result, fmt.Errorf("%w: inbound.via names unknown host %q", command.ErrConfiguration, in.Via))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", command.ErrConfiguration, err)
	}
	return nil
}

// Inventory builds the host inventory.
func (c *Config) Inventory() (*hosts.Inventory, error) {
	return hosts.NewInventory(c.Hosts)
}

// Factory builds the connection factory for the configured credentials.
func (c *Config) Factory(fsys afero.Fs, log lg.Logger) *hostconn.Factory {
	return &hostconn.Factory{
		SSH:     c.SSH,
		Agent:   c.Agent,
		Default: c.Mechanism,
		Fs:      fsys,
		Log:     log,
	}
}

// Test returns the test with the given id.
func (c *Config) Test(id string) (Test, bool) {
	for _, t := range c.Tests {
		if t.ID == id {
			return t, true
		}
	}
	return Test{}, false
}
