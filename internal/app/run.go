package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run serves HTTP and drives the background loops until ctx is done, then
// shuts the server down within the configured timeout. A nil listener makes
// Run listen on the configured bind address.
func (b *BuildResult) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", b.Config.BindAddr)
		if err != nil {
			return err
		}
	}
	httpServer := &http.Server{Handler: b.API.Router()}

	g, gctx := errgroup.WithContext(ctx)

	b.Sessions.StartJanitor(gctx, b.Config.JanitorInterval)

	g.Go(func() error {
		b.Logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return b.Engine.Run(gctx) })
	g.Go(func() error { return b.Writer.Run(gctx) })
	g.Go(func() error {
		b.Hub.RunHeartbeat(gctx, b.Config.HeartbeatInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	return g.Wait()
}
