package hostconn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/lg"
)

// Mechanism is how commands are spawned on a target.
type Mechanism string

const (
	MechanismLocal Mechanism = "local"
	MechanismSSH   Mechanism = "ssh"
	MechanismAgent Mechanism = "agent"
)

// Target is the resolved data a connection is created from.
type Target struct {
	Alias     string    `json:"alias" yaml:"alias"`
	Address   string    `json:"address" yaml:"address"`
	Port      int       `json:"port,omitempty" yaml:"port,omitempty"`
	Mechanism Mechanism `json:"mechanism,omitempty" yaml:"mechanism,omitempty"`
	// User and KeyFile override the factory's SSH credentials for this host.
	User    string `json:"user,omitempty" yaml:"user,omitempty"`
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

// Factory creates connections. Its zero value creates Local connections for
// local targets and SSH connections for every other target.
type Factory struct {
	SSH        SSHConfig
	Agent      AgentConfig
	Resilience *ResilienceConfig
	// Default is used for remote targets that do not declare a mechanism.
	Default Mechanism
	Fs      afero.Fs
	Log     lg.Logger
}

// IsLocal reports whether address denotes the local machine.
func IsLocal(address string) bool {
	host := strings.TrimSpace(address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch strings.ToLower(host) {
	case "", "localhost", "local":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// New selects the variant for t and connects it.
func (f *Factory) New(ctx context.Context, t Target) (Conn, error) {
	if t.Alias == "" {
		return nil, fmt.Errorf("%w: target %q has no alias", command.ErrConfiguration, t.Address)
	}
	log := lg.OrDiscard(f.Log)
	fsys := f.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	mech := t.Mechanism
	if mech == "" {
		mech = f.Default
	}
	if IsLocal(t.Address) || mech == MechanismLocal {
		log.Debug("using local connection", lg.String("host", t.Alias))
		return NewLocal(t.Alias, fsys, log), nil
	}

	switch mech {
	case MechanismAgent:
		port := t.Port
		if port == 0 {
			port = f.Agent.Port
		}
		if port == 0 {
			port = DefaultAgentPort
		}
		scheme := f.Agent.Scheme
		if scheme == "" {
			scheme = "http"
		}
		base := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(t.Address, strconv.Itoa(port)))
		log.Debug("using agent connection", lg.String("host", t.Alias), lg.String("url", base))
		return NewAgent(t.Alias, base, fsys, log), nil
	case MechanismSSH, "":
		cfg := f.SSH
		if t.User != "" {
			cfg.User = t.User
		}
		if t.KeyFile != "" {
			cfg.KeyFile = t.KeyFile
		}
		port := t.Port
		if port == 0 {
			port = cfg.Port
		}
		if port == 0 {
			port = defaultSSHPort
		}
		rc := DefaultResilienceConfig("ssh-" + t.Alias)
		if f.Resilience != nil {
			rc = *f.Resilience
		}
		addr := net.JoinHostPort(t.Address, strconv.Itoa(port))
		log.Debug("dialing ssh", lg.String("host", t.Alias), lg.String("addr", addr))
		conn, err := DialSSH(ctx, t.Alias, addr, cfg, rc, fsys, log)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("%w: unknown spawn mechanism %q for %s", command.ErrConfiguration, mech, t.Alias)
	}
}
