package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// Run serves srv until ctx is done, then shuts it down gracefully.
// Listener failures other than normal close are reported to errc.
// Cleanups run in order after the listener is gone, before wg.Done.
func Run(
	ctx context.Context,
	srv *http.Server,
	logger *zerolog.Logger,
	wg *sync.WaitGroup,
	errc chan<- error,
	cleanups ...func(),
) {
	defer func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
		logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("server started")

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.Serve(ln)
	}()

	select {
	case err = <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), DefaultShutdownDeadline)
		defer shCancel()
		if err = srv.Shutdown(shCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
