package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	logx "codemarshal/pkg/logx"
)

// runConsumers drains the scheduler with a fixed pool until ctx is done.
// Each consumer runs RunAll, then sleeps until new work is signalled or the
// idle poll elapses. A task in flight when ctx is cancelled finishes first.
func (a *App) runConsumers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range a.res.Consumers.Workers {
		g.Go(func() error {
			a.consume(gctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (a *App) consume(ctx context.Context, id int) {
	log := a.log.With(logx.String("comp", "consumer"), logx.Int("consumer", id))
	idle := a.res.Consumers.IdlePoll
	t := time.NewTimer(idle)
	defer t.Stop()

	log.Debug("consumer started")
	for {
		if n := a.sched.RunAll(ctx); n > 0 {
			log.Trace("consumer drained queue", logx.Int("executed", n))
		}
		t.Reset(idle)
		select {
		case <-ctx.Done():
			log.Debug("consumer stopped")
			return
		case <-a.wake:
		case <-t.C:
		}
	}
}
