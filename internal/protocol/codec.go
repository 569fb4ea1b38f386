package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec reads and writes JSON frames over a websocket connection, guarding
// writes with a lock so concurrent callers never interleave frames.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame over the websocket. Safe for
// concurrent use.
func (c *Codec) WriteFrame(f any) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and decodes the next frame from the websocket. Must only
// be called from a single goroutine at a time.
func (c *Codec) ReadFrame() (any, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	return Decode(data)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// Conn exposes the underlying connection for deadline management.
func (c *Codec) Conn() *websocket.Conn {
	return c.conn
}
