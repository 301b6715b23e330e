package hosts

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/hostconn"
	"github.com/andrej220/stagehand/internal/lg"
)

var ErrClosed = errors.New("resolver closed")

// Connector creates connections. *hostconn.Factory implements it.
type Connector interface {
	New(ctx context.Context, t hostconn.Target) (hostconn.Conn, error)
}

// Resolver resolves selectors against an inventory and caches one connection per
// host. The connections belong to the resolver's holder and are released by Close;
// two holders never share a connection.
type Resolver struct {
	inv       *Inventory
	connector Connector
	log       lg.Logger

	mu     sync.Mutex
	conns  map[string]hostconn.Conn
	closed bool
}

// NewResolver creates a resolver for one owner, named in logs.
func (inv *Inventory) NewResolver(owner string, connector Connector, log lg.Logger) *Resolver {
	return &Resolver{
		inv:       inv,
		connector: connector,
		log:       lg.OrDiscard(log).With(lg.String("owner", owner)),
		conns:     make(map[string]hostconn.Conn),
	}
}

// Resolve returns a connection for every host matched by sel, dialing the ones
// not connected yet.
func (r *Resolver) Resolve(ctx context.Context, sel command.Selector) ([]hostconn.Conn, error) {
	targets, err := r.inv.Select(sel)
	if err != nil {
		return nil, err
	}
	return r.connect(ctx, targets)
}

// Preconnect dials every host of the inventory concurrently.
func (r *Resolver) Preconnect(ctx context.Context) error {
	_, err := r.connect(ctx, r.inv.Targets())
	return err
}

func (r *Resolver) connect(ctx context.Context, targets []hostconn.Target) ([]hostconn.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	out := make([]hostconn.Conn, len(targets))
	dialed := make([]hostconn.Conn, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		if c, ok := r.conns[t.Alias]; ok {
			out[i] = c
			continue
		}
		i, t := i, t
		g.Go(func() error {
			c, err := r.connector.New(gctx, t)
			if err != nil {
				r.log.Error("cannot connect", lg.String("host", t.Alias), lg.String("address", t.Address), lg.Err(err))
				return err
			}
			r.log.Debug("connected", lg.String("host", t.Alias))
			dialed[i] = c
			return nil
		})
	}
	err := g.Wait()
	for i, c := range dialed {
		if c != nil {
			r.conns[targets[i].Alias] = c
			out[i] = c
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases every cached connection. Later calls to Resolve fail.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var result *multierror.Error
	for alias, c := range r.conns {
		if err := c.Close(); err != nil {
			r.log.Warn("closing connection", lg.String("host", alias), lg.Err(err))
			result = multierror.Append(result, err)
		}
	}
	r.conns = nil
	return result.ErrorOrNil()
}
