// Package supervisor runs the measurement scheduler and the control server
// side by side.
package supervisor

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Runner runs to completion or until its context is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Server serves until its context is done.
type Server interface {
	Serve(ctx context.Context) error
}

// Run starts runner and server concurrently. When runner completes, server
// keeps serving until ctx is done. When runner fails, server is stopped and
// the runner's error is returned. Cancelling ctx stops both and is not
// reported as an error.
func Run(ctx context.Context, runner Runner, server Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		if err := runner.Run(gctx); err != nil {
			return err
		}
		log.Info("All trials completed, control server still running")
		return nil
	})
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		log.Info("Shutting down")
		return nil
	}
	return err
}
