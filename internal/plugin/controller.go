package plugin

import (
	"context"
	"errors"
	"fmt"

	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

// Outcome is the tri-state result of a lifecycle operation.
type Outcome int

const (
	// OutcomeNotApplicable means there was no hook to run.
	OutcomeNotApplicable Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "not-applicable"
	}
}

// Controller drives single plugins through start and stop for one context
// and records the results in its registry.
//
// A soft failure (the hook returned ErrDeclined) is reported as
// (OutcomeFailed, nil). A hard failure (any other error or a panic) is
// reported as (OutcomeFailed, *Error). The registry is only changed on
// success.
type Controller[C any] struct {
	kind     Kind
	registry *Registry[C]
}

// NewController returns a controller recording into registry.
func NewController[C any](kind Kind, registry *Registry[C]) *Controller[C] {
	return &Controller[C]{kind: kind, registry: registry}
}

// Start runs the start hook of lc. A plugin already in the registry is
// reported as started without running the hook again.
func (c *Controller[C]) Start(ctx context.Context, def Definition, lc pkgplugin.Lifecycle[C], pc C) (Outcome, error) {
	if c.registry.Has(def.ID) {
		return OutcomeSucceeded, nil
	}

	var (
		out Outcome
		err error
	)
	switch lc.Kind() {
	case pkgplugin.LifecycleCallable:
		fn := lc.Func()
		out, err = c.call(def.ID, OpStart, func() error { return fn(ctx, pc) })
	case pkgplugin.LifecycleBundle:
		b := lc.Bundle()
		if b.Start == nil {
			// Nothing to run, but the bundle's other hooks still need a record.
			c.registry.add(def, lc)
			return OutcomeNotApplicable, nil
		}
		out, err = c.call(def.ID, OpStart, func() error { return b.Start(ctx, pc) })
	default:
		return OutcomeNotApplicable, nil
	}

	if out == OutcomeSucceeded {
		c.registry.add(def, lc)
	}
	return out, err
}

// Stop runs the stop hook of the loaded plugin id. A callable lifecycle or a
// bundle without Stop has nothing to run; the plugin is still removed.
func (c *Controller[C]) Stop(ctx context.Context, id string, pc C) (Outcome, error) {
	loaded, ok := c.registry.Get(id)
	if !ok {
		return OutcomeNotApplicable, nil
	}

	b := loaded.Lifecycle.Bundle()
	if b == nil || b.Stop == nil {
		c.registry.remove(id)
		return OutcomeNotApplicable, nil
	}

	out, err := c.call(id, OpStop, func() error { return b.Stop(ctx, pc) })
	if out == OutcomeSucceeded {
		c.registry.remove(id)
	}
	return out, err
}

// ConfigChange passes cfg to the OnConfigChange hook of the loaded plugin id.
func (c *Controller[C]) ConfigChange(ctx context.Context, id string, pc C, cfg Config) (Outcome, error) {
	loaded, ok := c.registry.Get(id)
	if !ok {
		return OutcomeNotApplicable, nil
	}
	b := loaded.Lifecycle.Bundle()
	if b == nil || b.OnConfigChange == nil {
		return OutcomeNotApplicable, nil
	}
	return c.call(id, OpConfigChange, func() error { return b.OnConfigChange(ctx, pc, cfg) })
}

func (c *Controller[C]) call(id string, op Op, hook func() error) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = OutcomeFailed
			err = &Error{Plugin: id, Context: c.kind, Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	herr := hook()
	switch {
	case herr == nil:
		return OutcomeSucceeded, nil
	case errors.Is(herr, ErrDeclined):
		return OutcomeFailed, nil
	default:
		return OutcomeFailed, &Error{Plugin: id, Context: c.kind, Op: op, Err: herr}
	}
}
