package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/FoxMoss/wisp-server-go/config"
	"github.com/FoxMoss/wisp-server-go/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	staticDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(staticDir, "hello.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(staticDir, "site"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staticDir, "site", "index.html"), []byte("<html>index</html>"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := config.Default()
	cfg.StaticDir = staticDir

	srv := httptest.NewServer(New(cfg, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, staticDir
}

func TestStaticFile(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/hello.txt")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got != "Go Wisp Server" {
		t.Errorf("Server header: got %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type: got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body: got %q", body)
	}
}

func TestStaticDirectoryIndex(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/site/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<html>index</html>" {
		t.Errorf("body: got %q", body)
	}
}

func TestStaticNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/missing.txt")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestStaticTraversalForbidden(t *testing.T) {
	srv, staticDir := newTestServer(t)

	// Plant a file just outside the static root.
	outside := filepath.Join(filepath.Dir(staticDir), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	t.Cleanup(func() { os.Remove(outside) })

	// Send the raw path so the client does not normalise the dot-dots.
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.URL.Opaque = "//" + req.URL.Host + "/../secret.txt"

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if string(body) == "secret" {
			t.Fatal("path traversal leaked a file outside the static root")
		}
	}
}

func TestWebSocketRouting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, _ := newTestServer(t)
	wsBase := "ws" + srv.URL[len("http"):]

	t.Run("trailing slash selects wisp", func(t *testing.T) {
		ws, _, err := websocket.Dial(ctx, wsBase+"/", &websocket.DialOptions{
			Subprotocols: []string{protocol.Subprotocol},
		})
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer ws.Close(websocket.StatusNormalClosure, "")

		// The multiplexer greets with CONTINUE on stream 0.
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Type != protocol.PacketContinue || f.StreamID != 0 {
			t.Fatalf("got type=0x%02x id=%d, want CONTINUE on stream 0", f.Type, f.StreamID)
		}
	})

	t.Run("invalid passthrough target rejected", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, wsBase+"/not-a-target", nil)
		if err == nil {
			t.Fatal("expected handshake failure for invalid target")
		}
		if resp != nil && resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status: got %d, want 400", resp.StatusCode)
		}
	})
}
