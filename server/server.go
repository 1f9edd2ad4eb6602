// Package server wires the HTTP front: WebSocket upgrades are routed to the
// Wisp multiplexer or the single-stream passthrough by URL shape, and plain
// HTTP requests fall through to the static file handler.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/FoxMoss/wisp-server-go/config"
	"github.com/FoxMoss/wisp-server-go/metrics"
	"github.com/FoxMoss/wisp-server-go/protocol"
	"github.com/FoxMoss/wisp-server-go/wisp"
	"github.com/FoxMoss/wisp-server-go/wsproxy"
)

// readLimit caps inbound WebSocket messages: one DATA payload of TCPChunk
// plus the packet header, with headroom for client framing overhead.
const readLimit = wisp.TCPChunk + 1024

// Server serves Wisp and passthrough WebSocket connections plus static files.
type Server struct {
	cfg    config.Config
	log    zerolog.Logger
	static http.Handler
}

// New builds a Server from the given configuration.
func New(cfg config.Config, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		log:    log,
		static: staticHandler(cfg.StaticDir, log),
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			s.handleWebSocket(w, r)
			return
		}
		s.static.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := shortuuid.New()
	log := s.log.With().Str("conn_id", connID).Str("path", r.URL.Path).Logger()

	isWisp := strings.HasSuffix(r.URL.Path, "/")

	var target string
	if !isWisp {
		t, err := wsproxy.ParseTarget(r.URL.Path)
		if err != nil {
			log.Warn().Err(err).Msg("rejecting passthrough request")
			http.Error(w, "invalid proxy target", http.StatusBadRequest)
			return
		}
		target = t
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{protocol.Subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(readLimit)

	if isWisp {
		log.Info().Msg("wisp connection open")
		metrics.ConnectionsTotal.WithLabelValues("wisp").Inc()
		wisp.New(ws, log).Run(r.Context())
		log.Info().Msg("wisp connection closed")
		return
	}

	log.Info().Str("target", target).Msg("passthrough connection open")
	metrics.ConnectionsTotal.WithLabelValues("wsproxy").Inc()
	if err := wsproxy.Run(r.Context(), ws, target, log); err != nil {
		log.Warn().Err(err).Msg("passthrough failed")
		ws.Close(websocket.StatusInternalError, "upstream connect failed")
		return
	}
	log.Info().Msg("passthrough connection closed")
}

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully. A metrics listener is started when configured.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.Handler(),
	}

	g.Go(func() error {
		s.log.Info().Str("addr", srv.Addr).Str("static", s.cfg.StaticDir).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.cfg.MetricsAddr != "" {
		msrv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			s.log.Info().Str("addr", msrv.Addr).Msg("metrics listening")
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return msrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
