// Package bootstrap wires the core's workers (batcher, dispatcher, sweeper,
// poller, coordinator, consumer) into a single deployable process, mirroring
// the teacher's Launcher/App composition so every worker starts and stops
// through the same lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slapcommerce/core/logging/mlog"
)

// App is anything the Launcher can start as a registered component.
type App interface {
	Run(l *Launcher) error
}

// LauncherOption configures a Launcher before it runs.
type LauncherOption func(l *Launcher)

// WithLogger binds the Logger every App receives through its Launcher.
func WithLogger(logger mlog.Logger) LauncherOption {
	return func(l *Launcher) { l.Logger = logger }
}

// RunApp registers app under name; Launcher.Run starts it in its own
// goroutine.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) { l.Add(name, app) }
}

// Launcher runs every registered App concurrently and blocks until they all
// return.
type Launcher struct {
	Logger  mlog.Logger
	Context context.Context
	apps    map[string]App
	wg      *sync.WaitGroup
}

// NewLauncher builds a Launcher from the given options.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.Logger == nil {
		l.Logger = &mlog.NoneLogger{}
	}

	if l.Context == nil {
		l.Context = context.Background()
	}

	return l
}

// Add registers an App under name.
func (l *Launcher) Add(name string, a App) *Launcher {
	l.apps[name] = a
	return l
}

// Run starts every registered App in its own goroutine and blocks until all
// of them return.
func (l *Launcher) Run() {
	l.wg.Add(len(l.apps))

	l.Logger.Infof("launcher: starting %d app(s)", len(l.apps))
	l.Logger.Info(title("core"))

	for name, app := range l.apps {
		go func(name string, app App) {
			defer l.wg.Done()

			l.Logger.Infof("launcher: %s starting", name)

			if err := app.Run(l); err != nil {
				l.Logger.Errorf("launcher: %s stopped with error: %v", name, err)
				return
			}

			l.Logger.Infof("launcher: %s finished", name)
		}(name, app)
	}

	l.wg.Wait()

	l.Logger.Info("launcher: terminated")
}

func title(s string) string {
	const width = 60

	pad := fmt.Sprintf(" %s ", s)
	left := (width - len(pad)) / 2

	return fmt.Sprintf("%s%s%s", strings.Repeat("=", left), pad, strings.Repeat("=", width-left-len(pad)))
}
