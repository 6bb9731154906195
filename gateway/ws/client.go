package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/replicant/broadcast"
)

const writeDeadline = 10 * time.Second

// clientInfo holds information about a connected WebSocket client. It also
// serves as the broadcast.Sender for its connection.
type clientInfo struct {
	id          string
	identity    string
	conn        *websocket.Conn
	connectedAt time.Time
	lastPong    atomic.Value // stores time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex // gorilla/websocket panics on concurrent writes
}

var _ broadcast.Sender = (*clientInfo)(nil)

// Send delivers one message to this client.
func (c *clientInfo) Send(ctx context.Context, message broadcast.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	deadline := time.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a control ping, holding the write lock.
func (c *clientInfo) ping() error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}
