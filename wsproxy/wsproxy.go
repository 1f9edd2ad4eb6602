// Package wsproxy implements the single-stream passthrough mode: the URL
// names one upstream host:port and every WebSocket message is forwarded
// verbatim to and from that TCP connection.
package wsproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/FoxMoss/wisp-server-go/metrics"
)

const dialTimeout = 10 * time.Second

// ParseTarget extracts the upstream address from the last segment of a
// WebSocket URL path, e.g. "/proxy/example.com:80" -> "example.com:80".
func ParseTarget(path string) (string, error) {
	seg := path[strings.LastIndex(path, "/")+1:]
	host, port, err := net.SplitHostPort(seg)
	if err != nil {
		return "", fmt.Errorf("wsproxy: invalid target %q: %w", seg, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("wsproxy: invalid port %q: %w", port, err)
	}
	return net.JoinHostPort(host, port), nil
}

// Run dials addr and pipes bytes in both directions until either side
// closes. The bytes of binary WebSocket messages are written to the TCP
// connection in order; message boundaries are not preserved.
func Run(ctx context.Context, ws *websocket.Conn, addr string, log zerolog.Logger) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("wsproxy: dialing %s: %w", addr, err)
	}
	defer conn.Close()

	log.Debug().Str("addr", addr).Msg("passthrough open")

	wsConn := websocket.NetConn(ctx, ws, websocket.MessageBinary)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		n, _ := io.Copy(conn, wsConn)
		metrics.BytesTransferred.WithLabelValues("ws_to_tcp").Add(float64(n))
	}()

	go func() {
		defer cancel()
		n, _ := io.CopyBuffer(wsConn, conn, make([]byte, 64*1024))
		metrics.BytesTransferred.WithLabelValues("tcp_to_ws").Add(float64(n))
	}()

	<-ctx.Done()

	// Unblock whichever copy is still pending.
	conn.Close()
	ws.Close(websocket.StatusNormalClosure, "")
	return nil
}
