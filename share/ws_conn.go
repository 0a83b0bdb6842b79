package pnshare

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to net.Conn so the handshake and
// record layer can treat websocket links exactly like raw TCP links. Records
// are carried as binary messages; reads drain one message at a time.
//
// gorilla permits one concurrent reader and one concurrent writer, so read
// and write take separate locks. A shared lock would deadlock the record
// layer, which writes while a read is blocked.
type wsConn struct {
	ws         *websocket.Conn
	currReader io.Reader
	readLock   sync.Mutex
	writeLock  sync.Mutex
}

// newWSConn wraps ws in a net.Conn.
func newWSConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	var n int
	var err error
	// loop so a zero-length message does not surface as (0, nil)
	for n == 0 && err == nil {
		if c.currReader == nil {
			t, r, rerr := c.ws.NextReader()
			if rerr != nil {
				return 0, rerr
			}
			if t != websocket.BinaryMessage {
				return 0, fmt.Errorf("Unexpected websocket message type %d", t)
			}
			c.currReader = r
		}
		n, err = c.currReader.Read(b)
		if err == io.EOF {
			err = nil
			c.currReader = nil
		}
	}
	return n, err
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "EOF")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
