package websocket

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tg.sandbox/wsengine/headers"
	"tg.sandbox/wsengine/logging"
)

// Handler drives an open tunnel. The tunnel is disconnected when it returns.
type Handler func(ctx context.Context, t *Tunnel)

// Accept reads an upgrade request from conn and completes the server
// handshake. On failure the client gets an HTTP error and conn is closed.
func Accept(ctx context.Context, conn Transport, opts Options) (*Tunnel, error) {
	cfg := opts.Config.withDefaults(RoleServer)
	reader := bufio.NewReaderSize(conn, cfg.MaxFrame)
	t := newTunnel(RoleServer, conn, reader, opts)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	_ = conn.SetReadDeadline(time.Now().Add(cfg.Timeout))
	req, err := headers.ReadRequest(reader)
	stop()
	if err != nil {
		ce := MalformedHeader("upgrade request").Wrap(err)
		if isTimeout(err) {
			ce = AbnormalClosure("upgrade request timed out").Wrap(err)
		}
		_ = t.Disconnect(ce)
		return nil, ce
	}
	if err := t.upgrade(req, opts.Path); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tunnel) upgrade(req *headers.Bag, path string) error {
	if err := t.serverHandshake(req, path); err != nil {
		ce := AsCloseError(err)
		if ce.HTTPStatus == 0 {
			ce.HTTPStatus = ce.Code.HTTPStatus()
		}
		_ = t.Disconnect(ce)
		return ce
	}
	return nil
}

// Server accepts tunnels from a listener or through net/http.
type Server struct {
	Options
	Handler Handler
	wg      sync.WaitGroup
}

func NewServer(opts Options, handler Handler) *Server {
	return &Server{Options: opts, Handler: handler}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Serve accepts connections until ctx ends or ln fails. Each connection
// gets its own goroutine and a context carrying its logger.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return ctx.Err()
			}
			s.logger().Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	cctx := logging.NewContextWithLogger(ctx, s.logger(), uuid.NewString())
	log := logging.LoggerFromContext(cctx).With(zap.Stringer("remote", conn.RemoteAddr()))
	opts := s.Options
	opts.Logger = log
	t, err := Accept(cctx, conn, opts)
	if err != nil {
		log.Info("upgrade refused", zap.Error(err))
		return
	}
	s.run(cctx, t)
}

func (s *Server) run(ctx context.Context, t *Tunnel) {
	defer func() {
		_ = t.Disconnect(nil)
	}()
	if s.Handler == nil {
		_ = t.Loop(ctx, 0)
		return
	}
	s.Handler(ctx, t)
}
