package plugin

import (
	"context"
	"log/slog"
	"time"
)

// DiagKind classifies a diagnostic.
type DiagKind string

const (
	DiagCycle             DiagKind = "cycle"
	DiagMissingDependency DiagKind = "missing-dependency"
	DiagRequested         DiagKind = "requested"
	DiagLoaded            DiagKind = "loaded"
	DiagUnloaded          DiagKind = "unloaded"
	DiagLoadFailed        DiagKind = "load-failed"
	DiagUnloadFailed      DiagKind = "unload-failed"
	DiagConfigChanged     DiagKind = "config-changed"
	DiagConfigFailed      DiagKind = "config-change-failed"
)

// Diagnostic is an event the loader reports instead of writing to a log
// directly. The host application routes them through Sinks.
type Diagnostic struct {
	Time    time.Time
	Context Kind
	Plugin  string
	Kind    DiagKind
	Level   slog.Level
	Message string

	// Op is set for lifecycle diagnostics.
	Op Op
	// Related names the other plugin of a graph anomaly.
	Related string
	Err     error
}

// Sink receives diagnostics. Sinks may be called from several goroutines.
type Sink func(Diagnostic)

// Sinks fans a diagnostic out to every non-nil sink.
func Sinks(sinks ...Sink) Sink {
	var active []Sink
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return func(d Diagnostic) {
		for _, s := range active {
			s(d)
		}
	}
}

// SlogSink writes diagnostics to logger.
func SlogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return func(d Diagnostic) {
		attrs := []slog.Attr{
			slog.String("context", string(d.Context)),
			slog.String("kind", string(d.Kind)),
		}
		if d.Plugin != "" {
			attrs = append(attrs, slog.String("plugin", d.Plugin))
		}
		if d.Op != "" {
			attrs = append(attrs, slog.String("op", string(d.Op)))
		}
		if d.Related != "" {
			attrs = append(attrs, slog.String("related", d.Related))
		}
		if d.Err != nil {
			attrs = append(attrs, slog.Any("error", d.Err))
		}
		logger.LogAttrs(context.Background(), d.Level, d.Message, attrs...)
	}
}

func (s Sink) emit(d Diagnostic) {
	if s == nil {
		return
	}
	if d.Time.IsZero() {
		d.Time = time.Now()
	}
	s(d)
}
