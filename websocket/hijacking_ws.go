package websocket

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tg.sandbox/wsengine/headers"
	"tg.sandbox/wsengine/logging"
)

// Upgrade takes over the connection of an HTTP request and completes the
// server handshake on it. Bytes the HTTP server already buffered stay
// readable by the tunnel.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Tunnel, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("websocket: unable to typeassert http.ResponseWriter to http.Hijacker")
	}
	connection, rw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("websocket: unable to hijack HTTP connection: %w", err)
	}
	status := headers.NewRequestStatus(r.Method, r.RequestURI)
	status.Major, status.Minor = r.ProtoMajor, r.ProtoMinor
	req := headers.FromHTTP(status, r.Header)
	if r.Host != "" && !req.Has("Host") {
		if err := req.Add("Host", r.Host); err != nil {
			return nil, err
		}
	}
	t := newTunnel(RoleServer, connection, rw.Reader, opts)
	if err := t.upgrade(req, opts.Path); err != nil {
		return nil, err
	}
	return t, nil
}

// ServeHTTP upgrades the request and runs the handler on the calling
// goroutine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logging.NewContextWithLogger(r.Context(), s.logger(), r.RemoteAddr)
	log := logging.LoggerFromContext(ctx)
	opts := s.Options
	opts.Logger = log
	t, err := Upgrade(w, r, opts)
	if err != nil {
		log.Info("upgrade refused", zap.Error(err))
		return
	}
	// The request context ends once the handler returns, not with the
	// hijacked connection.
	s.run(context.WithoutCancel(ctx), t)
}
