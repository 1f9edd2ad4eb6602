package wisp

import (
	"context"
	"net"
	"sync"
)

const (
	// QueueSize is the per-stream inbound buffer depth, in payloads. It is
	// also the credit advertised to the client in CONTINUE frames.
	QueueSize = 128

	// TCPChunk is the upstream read size.
	TCPChunk = 64 * 1024

	// continueEvery is how many drained payloads trigger a fresh CONTINUE.
	continueEvery = QueueSize / 4
)

// stream is the per-stream record held in the connection's table. The queue
// is the only cross-goroutine handoff point: the dispatcher is its single
// producer and the ws→tcp pump its single consumer.
type stream struct {
	id    uint32
	queue chan []byte

	// ctx is cancelled exactly once, by closeStream. Every task of this
	// stream treats cancellation as a clean exit.
	ctx    context.Context
	cancel context.CancelFunc

	// closeOnce guards the terminal CLOSE frame so at most one is ever
	// sent for this stream id.
	closeOnce sync.Once

	mu  sync.Mutex
	tcp net.Conn // nil until the connect task succeeds

	// packetsConsumed is touched only by the ws→tcp pump.
	packetsConsumed uint64
}

func newStream(ctx context.Context, id uint32) *stream {
	sctx, cancel := context.WithCancel(ctx)
	return &stream{
		id:     id,
		queue:  make(chan []byte, QueueSize),
		ctx:    sctx,
		cancel: cancel,
	}
}

// setConn installs the upstream connection. It reports false if the stream
// was closed while the dial was in flight, in which case the caller must
// close conn itself.
func (s *stream) setConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.tcp = conn
	return true
}

// conn returns the upstream connection, or nil while connecting.
func (s *stream) conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp
}
