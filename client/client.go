// Package client is a Wisp client: it dials a Wisp server over WebSocket and
// multiplexes outbound TCP streams over the single connection, honouring the
// server's CONTINUE credit grants.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"

	"github.com/FoxMoss/wisp-server-go/protocol"
)

// maxPayload is the largest DATA payload the client sends in one frame.
const maxPayload = 64 * 1024

var (
	ErrClientClosed = errors.New("client: connection closed")
	ErrStreamClosed = errors.New("client: stream closed")
)

// Client is one Wisp connection. Safe for concurrent use.
type Client struct {
	ws *websocket.Conn

	// wrMu serialises WebSocket sends across streams.
	wrMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32

	// defaultCredit is the per-stream buffer depth advertised by the
	// server's initial connection-scoped CONTINUE.
	defaultCredit int
	ready         chan struct{}

	closed chan struct{}
	once   sync.Once
	done   chan struct{}
}

// Dial connects to a Wisp endpoint (a URL whose path ends in "/") and waits
// for the server's initial credit grant.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("client: dialing %s: %w", url, err)
	}
	ws.SetReadLimit(maxPayload + 1024)

	c := &Client{
		ws:      ws,
		streams: make(map[uint32]*Stream),
		nextID:  1,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.ready:
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// OpenStream asks the server to open a TCP stream to (hostname, port). The
// protocol has no success acknowledgement; a failed connect surfaces as the
// stream closing with reason 0x41 or 0x42.
func (c *Client) OpenStream(hostname string, port uint16) (*Stream, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	s := newStream(c, id, c.defaultCredit)
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.write(protocol.EncodeConnect(id, protocol.StreamTCP, port, hostname)); err != nil {
		c.removeStream(id)
		return nil, err
	}
	return s, nil
}

// Done returns a channel closed when the connection's read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down every stream and the WebSocket connection.
func (c *Client) Close() error {
	c.shutdown()
	<-c.done
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.closed)

		c.mu.Lock()
		for _, s := range c.streams {
			s.closeRead(0)
		}
		c.streams = make(map[uint32]*Stream)
		c.mu.Unlock()

		c.ws.Close(websocket.StatusNormalClosure, "")
	})
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.shutdown()
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch f.Type {
		case protocol.PacketContinue:
			c.handleContinue(f)
		case protocol.PacketData:
			if s := c.lookup(f.StreamID); s != nil {
				s.push(f.Payload)
			}
		case protocol.PacketClose:
			if s := c.lookup(f.StreamID); s != nil {
				s.closeRead(f.Reason())
				c.removeStream(f.StreamID)
			}
		}
	}
}

func (c *Client) handleContinue(f protocol.Frame) {
	if f.StreamID == 0 {
		c.mu.Lock()
		if c.defaultCredit == 0 {
			c.defaultCredit = int(f.BufferRemaining())
			close(c.ready)
		}
		c.mu.Unlock()
		return
	}
	if s := c.lookup(f.StreamID); s != nil {
		s.setCredit(int(f.BufferRemaining()))
	}
}

func (c *Client) lookup(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Client) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Client) write(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	if err := c.ws.Write(context.Background(), websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("client: websocket write: %w", err)
	}
	return nil
}
