package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// EchoHandler answers text messages with "Echo: " and the text, and binary
// messages with the same bytes.
func EchoHandler(ctx context.Context, t *Tunnel) {
	t.Events.On(EventPickProcessor, func(ev *Event) error {
		ev.Sink = NewBufferSink(t.Config().TempSpillSize, func(p *Processor, _, app DataSource) error {
			if p.IsText() {
				return t.QueueText("Echo: " + ReadString(app))
			}
			data, err := ReadAll(app)
			if err != nil {
				return err
			}
			return t.QueueBinary(data)
		})
		return nil
	})
	if err := t.Loop(ctx, 0); err != nil {
		t.Logger().Info("loop ended", zap.Error(err))
	}
}

// Start serves handler at path on addr until ctx ends.
func Start(ctx context.Context, addr, path string, opts Options, handler Handler) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle(path, NewServer(opts, handler))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: opts.Config.withDefaults(RoleServer).Timeout}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("websocket server started", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
