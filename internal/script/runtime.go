package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"

	"github.com/goatkit/peard/internal/plugin"
	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

// runtime is one JavaScript VM. A goja.Runtime is not safe for concurrent
// use, so every entry into the VM holds mu.
type runtime struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	logger *slog.Logger
}

func newRuntime(id string, kind plugin.Kind, logger *slog.Logger) *runtime {
	r := &runtime{
		vm:     goja.New(),
		logger: logger.With("plugin", id, "context", string(kind)),
	}
	r.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := r.vm.NewObject()
	console.Set("log", r.logFunc(slog.LevelInfo))
	console.Set("info", r.logFunc(slog.LevelInfo))
	console.Set("debug", r.logFunc(slog.LevelDebug))
	console.Set("warn", r.logFunc(slog.LevelWarn))
	console.Set("error", r.logFunc(slog.LevelError))
	r.vm.Set("console", console)
	return r
}

func (r *runtime) logFunc(level slog.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.String()
		}
		r.logger.Log(context.Background(), level, fmt.Sprint(args...))
		return goja.Undefined()
	}
}

// run executes prog with CommonJS style module and exports objects and
// returns module.exports.
func (r *runtime) run(ctx context.Context, prog *goja.Program) (goja.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.watch(ctx)()

	module := r.vm.NewObject()
	exports := r.vm.NewObject()
	module.Set("exports", exports)
	r.vm.Set("module", module)
	r.vm.Set("exports", exports)

	if _, err := r.vm.RunProgram(prog); err != nil {
		return nil, err
	}
	return module.Get("exports"), nil
}

// watch interrupts the VM when ctx ends. The returned func must run before
// mu is released.
func (r *runtime) watch(ctx context.Context) func() {
	r.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { r.vm.Interrupt(ctx.Err()) })
	return func() {
		stop()
		r.vm.ClearInterrupt()
	}
}

// call runs fn with the arguments built by args. args runs inside the VM
// lock since building values touches the runtime.
func (r *runtime) call(ctx context.Context, fn goja.Callable, args func() []goja.Value) (goja.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.watch(ctx)()

	v, err := fn(goja.Undefined(), args()...)
	if err != nil {
		return nil, err
	}
	return settle(v)
}

// settle unwraps a promise returned by script code. There is no event loop,
// so a promise still pending after the call is an error.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return nil, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("promise rejected: %v", p.Result())
	default:
		return nil, errors.New("promise still pending when the call returned")
	}
}

// hookResult maps a hook return value: false declines, anything else succeeds.
func hookResult(v goja.Value) error {
	if v == nil {
		return nil
	}
	if b, ok := v.Export().(bool); ok && !b {
		return pkgplugin.ErrDeclined
	}
	return nil
}

func (r *runtime) throw(err error) {
	panic(r.vm.NewGoError(err))
}

// message splits the arguments of send and invoke into event name and payload.
func (r *runtime) message(call goja.FunctionCall) (string, []any) {
	if len(call.Arguments) == 0 {
		r.throw(errors.New("event name required"))
	}
	return call.Arguments[0].String(), exportArgs(call.Arguments[1:])
}

func exportArgs(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}

func (r *runtime) toValues(args []any) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		out[i] = r.vm.ToValue(a)
	}
	return out
}

func exportConfig(v goja.Value) (pkgplugin.Config, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return pkgplugin.Config{}, nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be an object, got %s", v.ExportType())
	}
	return m, nil
}

// baseObject builds the members shared by both contexts: id, getConfig and
// setConfig.
func (r *runtime) baseObject(ctx context.Context, pc pkgplugin.Context) *goja.Object {
	obj := r.vm.NewObject()
	obj.Set("id", pc.ID())
	obj.Set("getConfig", func(goja.FunctionCall) goja.Value {
		cfg, err := pc.GetConfig(ctx)
		if err != nil {
			r.throw(err)
		}
		return r.vm.ToValue(map[string]any(cfg))
	})
	obj.Set("setConfig", func(call goja.FunctionCall) goja.Value {
		partial, err := exportConfig(call.Argument(0))
		if err != nil {
			r.throw(err)
		}
		if err := pc.SetConfig(ctx, partial); err != nil {
			r.throw(err)
		}
		return goja.Undefined()
	})
	return obj
}

// listener adapts a script function to an IPC listener.
func (r *runtime) listener(event string, fn goja.Callable) pkgplugin.Listener {
	return func(args ...any) {
		_, err := r.call(context.Background(), fn, func() []goja.Value { return r.toValues(args) })
		if err != nil {
			r.logger.Warn("ipc listener failed", "event", event, "error", err)
		}
	}
}

func (r *runtime) callable(v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		r.throw(errors.New("expected a function"))
	}
	return fn
}

func (r *runtime) hostObject(ctx context.Context, pc pkgplugin.HostContext) goja.Value {
	obj := r.baseObject(ctx, pc)
	ipc := pc.IPC()

	jsIPC := r.vm.NewObject()
	jsIPC.Set("send", func(call goja.FunctionCall) goja.Value {
		event, args := r.message(call)
		if err := ipc.Send(event, args...); err != nil {
			r.throw(err)
		}
		return goja.Undefined()
	})
	jsIPC.Set("handle", func(call goja.FunctionCall) goja.Value {
		fn := r.callable(call.Argument(1))
		err := ipc.Handle(call.Argument(0).String(), func(ctx context.Context, args ...any) (any, error) {
			v, err := r.call(ctx, fn, func() []goja.Value { return r.toValues(args) })
			if err != nil || v == nil {
				return nil, err
			}
			return v.Export(), nil
		})
		if err != nil {
			r.throw(err)
		}
		return goja.Undefined()
	})
	jsIPC.Set("removeHandler", func(call goja.FunctionCall) goja.Value {
		ipc.RemoveHandler(call.Argument(0).String())
		return goja.Undefined()
	})
	jsIPC.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		ipc.On(event, r.listener(event, r.callable(call.Argument(1))))
		return goja.Undefined()
	})
	obj.Set("ipc", jsIPC)

	win := r.vm.NewObject()
	if w := pc.Window(); w != nil {
		win.Set("id", w.ID())
		win.Set("title", w.Title())
	}
	obj.Set("window", win)
	return obj
}

func (r *runtime) uiObject(ctx context.Context, pc pkgplugin.UIContext) goja.Value {
	obj := r.baseObject(ctx, pc)
	ipc := pc.IPC()

	jsIPC := r.vm.NewObject()
	jsIPC.Set("send", func(call goja.FunctionCall) goja.Value {
		event, args := r.message(call)
		if err := ipc.Send(event, args...); err != nil {
			r.throw(err)
		}
		return goja.Undefined()
	})
	jsIPC.Set("invoke", func(call goja.FunctionCall) goja.Value {
		event, args := r.message(call)
		v, err := ipc.Invoke(ctx, event, args...)
		if err != nil {
			r.throw(err)
		}
		return r.vm.ToValue(v)
	})
	jsIPC.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		ipc.On(event, r.listener(event, r.callable(call.Argument(1))))
		return goja.Undefined()
	})
	jsIPC.Set("removeAllListeners", func(call goja.FunctionCall) goja.Value {
		ipc.RemoveAllListeners(call.Argument(0).String())
		return goja.Undefined()
	})
	obj.Set("ipc", jsIPC)
	return obj
}

// lifecycleOf turns module.exports into a lifecycle. A function is a
// callable; an object contributes start, stop and onConfigChange, and its
// other functions are kept as extensions.
func lifecycleOf[C any](r *runtime, exports goja.Value, wrap func(context.Context, C) goja.Value) pkgplugin.Lifecycle[C] {
	if exports == nil || goja.IsUndefined(exports) || goja.IsNull(exports) {
		return pkgplugin.Lifecycle[C]{}
	}

	hook := func(fn goja.Callable) pkgplugin.HookFunc[C] {
		return func(ctx context.Context, pc C) error {
			v, err := r.call(ctx, fn, func() []goja.Value { return []goja.Value{wrap(ctx, pc)} })
			if err != nil {
				return err
			}
			return hookResult(v)
		}
	}

	if fn, ok := goja.AssertFunction(exports); ok {
		return pkgplugin.Callable(hook(fn))
	}

	obj, ok := exports.(*goja.Object)
	if !ok {
		return pkgplugin.Lifecycle[C]{}
	}
	var b pkgplugin.Bundle[C]
	for _, key := range obj.Keys() {
		v := obj.Get(key)
		fn, ok := goja.AssertFunction(v)
		if !ok {
			continue
		}
		switch key {
		case "start":
			b.Start = hook(fn)
		case "stop":
			b.Stop = hook(fn)
		case "onConfigChange":
			b.OnConfigChange = func(ctx context.Context, pc C, cfg pkgplugin.Config) error {
				v, err := r.call(ctx, fn, func() []goja.Value {
					return []goja.Value{wrap(ctx, pc), r.vm.ToValue(map[string]any(cfg))}
				})
				if err != nil {
					return err
				}
				return hookResult(v)
			}
		default:
			if b.Extensions == nil {
				b.Extensions = map[string]any{}
			}
			b.Extensions[key] = fn
		}
	}
	return pkgplugin.BundleOf(b)
}
