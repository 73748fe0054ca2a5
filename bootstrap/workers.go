package bootstrap

import "context"

// Startable is the idempotent-lifecycle shape shared by the sweeper,
// poller, and consumer: Start launches an internal loop goroutine and
// returns immediately, Shutdown drains it.
type Startable interface {
	Start(ctx context.Context) error
	Shutdown()
}

// Worker adapts a Startable into an App: it starts w against the
// Launcher's context, blocks until that context is canceled, then shuts
// w down before returning.
func Worker(w Startable) App {
	return &workerApp{w: w}
}

type workerApp struct {
	w Startable
}

func (a *workerApp) Run(l *Launcher) error {
	ctx := l.Context
	if ctx == nil {
		ctx = context.Background()
	}

	if err := a.w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	a.w.Shutdown()

	return nil
}
