package inbound

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	dm "github.com/andrej220/stagehand/pkg/shared-models"
)

// Send submits one request to a listener at addr and returns its reply.
func Send(ctx context.Context, addr string, payload []byte) (dm.Reply, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dm.Reply{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return Exchange(ctx, conn, payload)
}

// Exchange writes one request on an open connection and reads one reply line.
func Exchange(ctx context.Context, conn net.Conn, payload []byte) (dm.Reply, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return dm.Reply{}, fmt.Errorf("send request: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return dm.Reply{}, ctx.Err()
		}
		return dm.Reply{}, fmt.Errorf("read reply: %w", err)
	}
	var reply dm.Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return dm.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
