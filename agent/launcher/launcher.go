// Package launcher runs the long-lived components of one agent process.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/swaptacular/creditors-agent/agent/internal/nilcheck"
	"github.com/swaptacular/creditors-agent/agent/log"
	"github.com/swaptacular/creditors-agent/agent/runtime"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher: launcher is nil")
	// ErrEmptyName is returned when a component name is empty or whitespace.
	ErrEmptyName = errors.New("launcher: component name is empty")
	// ErrNilComponent is returned when a nil component is provided.
	ErrNilComponent = errors.New("launcher: component is nil")
	// ErrDuplicateName is returned when two components share a name.
	ErrDuplicateName = errors.New("launcher: duplicate component name")
	// ErrConfigFailed is returned by Run when option application collected errors.
	ErrConfigFailed = errors.New("launcher: configuration failed")
	// ErrNoComponents is returned by Run when nothing was registered.
	ErrNoComponents = errors.New("launcher: no components")
	// ErrComponentPanicked wraps the value of a recovered component panic.
	ErrComponentPanicked = errors.New("launcher: component panicked")
)

// Component is a long-lived part of the process. Run blocks until ctx is
// done or the component fails.
type Component interface {
	Run(ctx context.Context) error
}

// ComponentFunc adapts a function to Component.
type ComponentFunc func(ctx context.Context) error

func (f ComponentFunc) Run(ctx context.Context) error { return f(ctx) }

// Option configures a Launcher.
type Option func(*Launcher)

func WithLogger(logger log.Logger) Option {
	return func(l *Launcher) {
		if !nilcheck.Interface(logger) {
			l.logger = logger
		}
	}
}

// RunComponent registers a component. A registration error is collected and
// returned by Run.
func RunComponent(name string, c Component) Option {
	return func(l *Launcher) {
		if err := l.Add(name, c); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add component %q: %w", name, err))
		}
	}
}

type entry struct {
	name      string
	component Component
}

// Launcher runs components side by side. When one of them returns, the
// others are stopped.
type Launcher struct {
	logger       log.Logger
	components   []entry
	configErrors []error
}

func New(opts ...Option) *Launcher {
	l := &Launcher{logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers a component under a unique name.
func (l *Launcher) Add(name string, c Component) error {
	if l == nil {
		return ErrNilLauncher
	}

	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}

	if nilcheck.Interface(c) {
		return ErrNilComponent
	}

	for _, e := range l.components {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}

	l.components = append(l.components, entry{name: name, component: c})

	return nil
}

// Run starts every component and waits for all of them to return. The first
// one to return cancels the context of the others. The result joins the
// component errors.
func (l *Launcher) Run(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	if len(l.components) == 0 {
		return ErrNoComponents
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	l.logger.Log(ctx, log.LevelInfo, "starting components", log.Int("count", len(l.components)))

	for _, e := range l.components {
		wg.Add(1)

		runtime.SafeGo(l.logger, "launcher_"+e.name, runtime.KeepRunning, func() {
			defer wg.Done()
			defer cancel()

			l.logger.Log(ctx, log.LevelInfo, "component starting", log.String("component", e.name))

			if err := l.runOne(ctx, e); err != nil {
				l.logger.Log(ctx, log.LevelError, "component failed", log.String("component", e.name), log.Err(err))

				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
				mu.Unlock()
			}

			l.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "component finished", log.String("component", e.name))
		})
	}

	wg.Wait()

	l.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "launcher terminated")

	return errors.Join(errs...)
}

func (l *Launcher) runOne(ctx context.Context, e entry) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, l.logger, recovered, "launcher", e.name)
			err = fmt.Errorf("%w: %v", ErrComponentPanicked, recovered)
		}
	}()

	return e.component.Run(ctx)
}
