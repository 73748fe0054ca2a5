package bootstrap

import "context"

// WithContext binds the root context every registered App's Run receives
// (via the worker adapters in this package). Defaults to
// context.Background if never set.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) { l.Context = ctx }
}
