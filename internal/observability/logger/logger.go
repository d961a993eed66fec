package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
)

var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Invoke(registerGlobals),
)

// NewLogger builds the process logger. Development gets the console
// encoder; everything else logs structured JSON.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func registerGlobals(lc fx.Lifecycle, log *zap.Logger) {
	zap.ReplaceGlobals(log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
}

// FromContext returns the global logger, annotated with the active trace
// and span ids when the context carries a recording span.
func FromContext(ctx context.Context) *zap.Logger {
	log := zap.L()
	if ctx == nil {
		return log
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
