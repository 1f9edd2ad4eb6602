package client

import (
	"io"
	"sync"

	"github.com/FoxMoss/wisp-server-go/protocol"
)

// Stream is one multiplexed TCP stream, exposed as an io.ReadWriteCloser.
// Writes spend the credit granted by the server's CONTINUE frames and block
// when it is exhausted.
type Stream struct {
	ID uint32

	c *Client

	dataCh  chan []byte
	readBuf []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	credit   int
	creditCh chan struct{} // signalled on refill
	reason   byte
}

func newStream(c *Client, id uint32, credit int) *Stream {
	return &Stream{
		ID:       id,
		c:        c,
		dataCh:   make(chan []byte, 256),
		closed:   make(chan struct{}),
		credit:   credit,
		creditCh: make(chan struct{}, 1),
	}
}

// Read reads bytes the server relayed from the upstream. It returns io.EOF
// once the stream has closed and all buffered data is drained.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}

	select {
	case data := <-s.dataCh:
		n := copy(p, data)
		if n < len(data) {
			s.readBuf = data[n:]
		}
		return n, nil
	case <-s.closed:
		// Drain anything that arrived before the close.
		select {
		case data := <-s.dataCh:
			n := copy(p, data)
			if n < len(data) {
				s.readBuf = data[n:]
			}
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

// Write sends p to the upstream as one or more DATA frames, spending one
// credit per frame and blocking while none remains.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPayload {
			chunk = chunk[:maxPayload]
		}

		if err := s.takeCredit(); err != nil {
			return total, err
		}
		if err := s.c.write(protocol.EncodeData(s.ID, chunk)); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close tells the server to tear down the stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.c.write(protocol.EncodeClose(s.ID, protocol.CloseVoluntary))
		s.c.removeStream(s.ID)
	})
	return nil
}

// CloseReason returns the reason byte from the server's CLOSE frame, or
// false if the stream was closed locally.
func (s *Stream) CloseReason() (byte, bool) {
	select {
	case <-s.closed:
	default:
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.reason != 0
}

func (s *Stream) takeCredit() error {
	for {
		select {
		case <-s.closed:
			return ErrStreamClosed
		default:
		}

		s.mu.Lock()
		if s.credit > 0 {
			s.credit--
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.creditCh:
		case <-s.closed:
			return ErrStreamClosed
		}
	}
}

// setCredit applies a CONTINUE grant: buffer_remaining is the absolute space
// left in the server's queue.
func (s *Stream) setCredit(n int) {
	s.mu.Lock()
	s.credit = n
	s.mu.Unlock()

	select {
	case s.creditCh <- struct{}{}:
	default:
	}
}

// push delivers a DATA payload from the client's read loop.
func (s *Stream) push(data []byte) {
	select {
	case s.dataCh <- data:
	case <-s.closed:
	}
}

// closeRead marks the stream closed by the server with the given reason.
func (s *Stream) closeRead(reason byte) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.closed)
	})
}
