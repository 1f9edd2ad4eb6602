// Package wisp implements the server side of the Wisp multiplexing protocol:
// one WebSocket connection carrying many independent outbound TCP streams
// with per-stream credit-based flow control.
package wisp

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/FoxMoss/wisp-server-go/metrics"
	"github.com/FoxMoss/wisp-server-go/protocol"
)

var errConnClosed = errors.New("wisp: connection closed")

// Conn owns the state of one multiplexed WebSocket connection: the stream
// table, the inbound dispatcher, and the serialized outbound writer. All
// outbound frames from all stream tasks funnel through a single write
// goroutine so WebSocket sends never interleave.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	mu      sync.Mutex
	streams map[uint32]*stream

	writeCh   chan []byte
	writeDone chan struct{}
	closed    chan struct{}
	once      sync.Once

	// wg tracks connect tasks and pumps so Run does not return while any
	// stream task is still holding resources.
	wg sync.WaitGroup
}

// New wraps an accepted WebSocket connection. The caller is expected to have
// negotiated the wisp-v1 subprotocol and to call Run exactly once.
func New(ws *websocket.Conn, log zerolog.Logger) *Conn {
	return &Conn{
		ws:        ws,
		log:       log,
		streams:   make(map[uint32]*stream),
		writeCh:   make(chan []byte, 256),
		writeDone: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Run sends the initial connection-level CONTINUE, then dispatches inbound
// frames until the WebSocket fails or ctx is cancelled. On return every
// stream has been closed and every task has exited.
func (c *Conn) Run(ctx context.Context) {
	go c.writeLoop(ctx)

	// Advertise the per-stream queue depth granted to each new stream.
	_ = c.send(protocol.EncodeContinue(0, QueueSize))

	c.readLoop(ctx)
	c.shutdown()
	c.wg.Wait()
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.log.Debug().Err(err).Msg("websocket closed")
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			// The protocol has no NAK; drop the frame and keep serving.
			c.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.Type {
		case protocol.PacketConnect:
			c.handleConnect(ctx, f)
		case protocol.PacketData:
			c.handleData(f)
		case protocol.PacketContinue:
			// Client-to-server flow control is not part of this
			// implementation.
		case protocol.PacketClose:
			c.handleClose(f)
		}
	}
}

func (c *Conn) handleConnect(ctx context.Context, f protocol.Frame) {
	if f.StreamID == 0 {
		// Stream id 0 is reserved for connection-scoped CONTINUE frames.
		return
	}

	c.mu.Lock()
	if _, ok := c.streams[f.StreamID]; ok {
		c.mu.Unlock()
		c.log.Debug().Uint32("stream_id", f.StreamID).Msg("dropping duplicate CONNECT")
		return
	}
	s := newStream(ctx, f.StreamID)
	c.streams[f.StreamID] = s
	c.mu.Unlock()

	metrics.ActiveStreams.Inc()

	req := f.Connect()
	c.wg.Add(1)
	go c.connectTask(s, req)
}

func (c *Conn) handleData(f protocol.Frame) {
	if f.StreamID == 0 {
		return
	}

	c.mu.Lock()
	s, ok := c.streams[f.StreamID]
	c.mu.Unlock()
	if !ok {
		// Stream already closed; late DATA is dropped silently.
		return
	}

	// Blocking when the queue is full is the backpressure mechanism: the
	// dispatcher stops reading the WebSocket until the pump drains.
	select {
	case s.queue <- f.Payload:
	case <-s.ctx.Done():
	case <-c.closed:
	}
}

func (c *Conn) handleClose(f protocol.Frame) {
	if f.StreamID == 0 {
		return
	}
	c.log.Debug().
		Uint32("stream_id", f.StreamID).
		Uint8("reason", f.Reason()).
		Msg("client closed stream")
	c.closeStream(f.StreamID)
}

// connectTask resolves and dials the upstream, then installs the connection
// and starts both pumps. It is cancelled through the stream's context.
func (c *Conn) connectTask(s *stream, req protocol.Connect) {
	defer c.wg.Done()

	if req.StreamType != protocol.StreamTCP {
		metrics.StreamsTotal.WithLabelValues(metrics.OutcomeRejectedType).Inc()
		c.sendClose(s.id, protocol.CloseInvalidStreamType)
		c.closeStream(s.id)
		return
	}

	addr := net.JoinHostPort(req.Hostname, strconv.Itoa(int(req.Port)))
	start := time.Now()

	var d net.Dialer
	conn, err := d.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		if s.ctx.Err() != nil {
			// Closure won the race; nothing to report.
			return
		}
		c.log.Debug().Err(err).Uint32("stream_id", s.id).Str("addr", addr).Msg("upstream connect failed")
		metrics.StreamsTotal.WithLabelValues(metrics.OutcomeConnectFailed).Inc()
		c.sendClose(s.id, protocol.CloseConnectFailed)
		c.closeStream(s.id)
		return
	}
	metrics.DialDuration.Observe(time.Since(start).Seconds())

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetReadBuffer(TCPChunk)
	}

	if !s.setConn(conn) {
		// Closed while the dial was in flight.
		conn.Close()
		return
	}

	c.log.Debug().Uint32("stream_id", s.id).Str("addr", addr).Msg("stream open")
	metrics.StreamsTotal.WithLabelValues(metrics.OutcomeOpened).Inc()

	c.wg.Add(2)
	go c.pumpWSToTCP(s)
	go c.pumpTCPToWS(s)
}

// pumpWSToTCP drains the stream's inbound queue into the upstream socket and
// grants the client fresh credit as it drains.
func (c *Conn) pumpWSToTCP(s *stream) {
	defer c.wg.Done()
	conn := s.conn()

	for {
		var payload []byte
		select {
		case payload = <-s.queue:
		case <-s.ctx.Done():
			return
		}

		if _, err := conn.Write(payload); err != nil {
			if s.ctx.Err() == nil {
				c.sendClose(s.id, protocol.CloseNetworkError)
				c.closeStream(s.id)
			}
			return
		}
		metrics.BytesTransferred.WithLabelValues("ws_to_tcp").Add(float64(len(payload)))

		s.packetsConsumed++
		// No credit once closure has begun: the terminal CLOSE must be
		// the last frame sent for this stream id.
		if s.packetsConsumed%continueEvery == 0 && s.ctx.Err() == nil {
			remaining := byte(QueueSize - len(s.queue))
			_ = c.send(protocol.EncodeContinue(s.id, remaining))
		}
	}
}

// pumpTCPToWS forwards upstream bytes to the client in TCPChunk-sized DATA
// frames and reports upstream EOF as a voluntary close.
func (c *Conn) pumpTCPToWS(s *stream) {
	defer c.wg.Done()
	conn := s.conn()
	buf := make([]byte, TCPChunk)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if c.send(protocol.EncodeData(s.id, data)) != nil {
				return
			}
			metrics.BytesTransferred.WithLabelValues("tcp_to_ws").Add(float64(n))
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			reason := protocol.CloseNetworkError
			if errors.Is(err, io.EOF) {
				reason = protocol.CloseVoluntary
			}
			c.sendClose(s.id, reason)
			c.closeStream(s.id)
			return
		}
	}
}

// sendClose emits the stream's terminal CLOSE frame. It is idempotent and a
// no-op once the stream has left the table.
func (c *Conn) sendClose(id uint32, reason byte) {
	c.mu.Lock()
	s, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.closeOnce.Do(func() {
		_ = c.send(protocol.EncodeClose(id, reason))
	})
}

// closeStream removes the stream from the table, cancels its tasks, and
// closes the upstream socket. Safe to call from any task, any number of
// times; only the call that removes the stream does any work.
func (c *Conn) closeStream(id uint32) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	if conn := s.conn(); conn != nil {
		conn.Close()
	}
	metrics.ActiveStreams.Dec()
}

// send enqueues one outbound frame for the write loop. It fails once the
// connection is shutting down.
func (c *Conn) send(frame []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = errConnClosed
		}
	}()

	select {
	case c.writeCh <- frame:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

// writeLoop is the single WebSocket sender. After a write error it keeps
// draining the channel so shutdown never blocks on a full buffer.
func (c *Conn) writeLoop(ctx context.Context) {
	defer close(c.writeDone)
	var failed bool
	for frame := range c.writeCh {
		if failed {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
			failed = true
		}
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.closed)

		c.mu.Lock()
		ids := make([]uint32, 0, len(c.streams))
		for id := range c.streams {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.closeStream(id)
		}

		close(c.writeCh)
		<-c.writeDone

		c.ws.Close(websocket.StatusNormalClosure, "")
	})
}
