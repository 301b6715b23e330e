package hosts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/stagehand/internal/command"
	"github.com/andrej220/stagehand/internal/hostconn"
	"github.com/andrej220/stagehand/internal/lg"
)

type closingConn struct {
	hostconn.Conn
	closeErr error
	closed   bool
}

func (c *closingConn) Close() error {
	c.closed = true
	return c.closeErr
}

type countingConnector struct {
	mu     sync.Mutex
	dials  map[string]int
	fail   map[string]error
	closed map[string]error
	made   []*closingConn
}

func (f *countingConnector) New(_ context.Context, t hostconn.Target) (hostconn.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dials == nil {
		f.dials = map[string]int{}
	}
	f.dials[t.Alias]++
	if err := f.fail[t.Alias]; err != nil {
		return nil, err
	}
	c := &closingConn{Conn: hostconn.NewLocal(t.Alias, afero.NewMemMapFs(), lg.Discard), closeErr: f.closed[t.Alias]}
	f.made = append(f.made, c)
	return c, nil
}

func testInventory(t *testing.T) *Inventory {
	inv, err := NewInventory(map[string][]Host{
		"mongod":          {{Address: "10.2.0.10"}, {Address: "10.2.0.11"}, {Address: "10.2.0.12"}},
		"workload_client": {{Address: "localhost"}},
		"configsvr":       {{Address: "10.2.0.20", Alias: "config"}},
	})
	require.NoError(t, err)
	return inv
}

func aliases(conns []hostconn.Conn) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.Alias()
	}
	return out
}

func TestInventorySelect(t *testing.T) {
	inv := testInventory(t)

	tests := []struct {
		sel  string
		want []string
		err  bool
	}{
		{sel: "mongod", want: []string{"mongod.0", "mongod.1", "mongod.2"}},
		{sel: "mongod.1", want: []string{"mongod.1"}},
		{sel: "config", want: []string{"config"}},
		{sel: "all", want: []string{"config", "mongod.0", "mongod.1", "mongod.2", "workload_client.0"}},
		{sel: "mongod.3", err: true},
		{sel: "mongos", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.sel, func(t *testing.T) {
			targets, err := inv.Select(command.MustSelector(tt.sel))
			if tt.err {
				assert.ErrorIs(t, err, command.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			var got []string
			for _, tg := range targets {
				got = append(got, tg.Alias)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInventoryRejectsDuplicateAlias(t *testing.T) {
	_, err := NewInventory(map[string][]Host{
		"mongod": {{Address: "a"}},
		"other":  {{Address: "b", Alias: "mongod.0"}},
	})
	assert.ErrorIs(t, err, command.ErrConfiguration)

	_, err = NewInventory(map[string][]Host{"all": {{Address: "a"}}})
	assert.ErrorIs(t, err, command.ErrConfiguration)
}

func TestResolverCachesConnections(t *testing.T) {
	inv := testInventory(t)
	connector := &countingConnector{}
	r := inv.NewResolver("hooks", connector, lg.Discard)
	ctx := context.Background()

	first, err := r.Resolve(ctx, command.MustSelector("mongod"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mongod.0", "mongod.1", "mongod.2"}, aliases(first))

	again, err := r.Resolve(ctx, command.MustSelector("mongod.1"))
	require.NoError(t, err)
	assert.Same(t, first[1], again[0])
	assert.Equal(t, 1, connector.dials["mongod.1"])

	require.NoError(t, r.Close())
	for _, c := range connector.made {
		assert.True(t, c.closed)
	}
	_, err = r.Resolve(ctx, command.MustSelector("mongod"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Close())
}

func TestResolversDoNotShareConnections(t *testing.T) {
	inv := testInventory(t)
	connector := &countingConnector{}
	a := inv.NewResolver("hooks", connector, lg.Discard)
	b := inv.NewResolver("scheduler", connector, lg.Discard)

	ca, err := a.Resolve(context.Background(), command.MustSelector("mongod.0"))
	require.NoError(t, err)
	cb, err := b.Resolve(context.Background(), command.MustSelector("mongod.0"))
	require.NoError(t, err)
	assert.NotSame(t, ca[0], cb[0])
	assert.Equal(t, 2, connector.dials["mongod.0"])
}

func TestResolverPreconnect(t *testing.T) {
	inv := testInventory(t)
	boom := &hostconn.TransportError{Alias: "mongod.2", Op: "dial", Err: errors.New("connection refused")}
	connector := &countingConnector{fail: map[string]error{"mongod.2": boom}}
	r := inv.NewResolver("hooks", connector, lg.Discard)

	err := r.Preconnect(context.Background())
	assert.ErrorIs(t, err, hostconn.ErrTransport)

	// hosts that did connect are kept and reused
	_, err = r.Resolve(context.Background(), command.MustSelector("mongod.0"))
	require.NoError(t, err)
	assert.Equal(t, 1, connector.dials["mongod.0"])
}

func TestResolverCloseMergesErrors(t *testing.T) {
	inv := testInventory(t)
	connector := &countingConnector{closed: map[string]error{
		"mongod.0": errors.New("eof"),
		"mongod.1": errors.New("reset"),
	}}
	r := inv.NewResolver("hooks", connector, lg.Discard)
	require.NoError(t, r.Preconnect(context.Background()))

	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eof")
	assert.Contains(t, err.Error(), "reset")
}
