package contextutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ErrShutdown marks a context cancelled by a termination signal rather
// than an internal failure; callers can distinguish the two through
// context.Cause.
var ErrShutdown = errors.New("fluxmon shutdown requested")

// SetupSignals derives a context that is cancelled with ErrShutdown as
// its cause once SIGINT or SIGTERM arrives.
func SetupSignals(ctx context.Context) context.Context {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)

	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case s := <-sig:
			slog.With("signal", s.String()).Info("termination signal received")
			cancel(fmt.Errorf("signal %s: %w", s, ErrShutdown))
		case <-ctx.Done():
			cancel(context.Cause(ctx))
		}
	}()
	return ctx
}
