package hostconn

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort     = 22
	defaultDialTimeout = 10 * time.Second
	maxDialRetries     = 3
)

// SSHConfig holds credentials and dial settings shared by SSH connections.
type SSHConfig struct {
	User           string        `yaml:"user" json:"user"`
	Password       string        `yaml:"password" json:"password"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
	KnownHostsFile string        `yaml:"known_hosts" json:"known_hosts"`
	Port           int           `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// ResilienceConfig tunes retries of the dial and the breaker guarding session opening.
type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	CircuitBreakerSettings gobreaker.Settings
}

func DefaultResilienceConfig(name string) ResilienceConfig {
	return ResilienceConfig{
		BackoffSettings: &backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		CircuitBreakerSettings: gobreaker.Settings{
			Name:        name,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
}

// resilientClient is an *ssh.Client whose sessions are opened through a circuit breaker.
type resilientClient struct {
	client *ssh.Client
	cb     *gobreaker.CircuitBreaker
}

func (c *resilientClient) newSession() (*ssh.Session, error) {
	res, err := c.cb.Execute(func() (any, error) {
		return c.client.NewSession()
	})
	if err != nil {
		return nil, err
	}
	return res.(*ssh.Session), nil
}

func (c *resilientClient) Close() error {
	return c.client.Close()
}

// dialResilient dials addr, retrying with exponential backoff. Authentication
// failures are not retried.
func dialResilient(ctx context.Context, addr string, config *ssh.ClientConfig, rc ResilienceConfig) (*resilientClient, error) {
	var client *ssh.Client
	operation := func() error {
		d := net.Dialer{Timeout: config.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			if isAuthFailure(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = ssh.NewClient(sshConn, chans, reqs)
		return nil
	}

	b := *rc.BackoffSettings
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(&b, maxDialRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return &resilientClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(rc.CircuitBreakerSettings),
	}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// clientConfig builds the x/crypto/ssh client configuration from cfg.
func (cfg SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		keyAuth, err := publicKeyAuth(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		auth = append(auth, keyAuth)
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured for user %q", cfg.User)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		hostKeys = cb
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}, nil
}

func publicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}
