package imagegen

import (
	"context"
	"errors"
	"time"

	"github.com/hurricanerix/blink/internal/metrics"
)

// Instrument wraps gen so every call is counted and timed under backend.
func Instrument(gen Generator, backend string) Generator {
	return GeneratorFunc(func(ctx context.Context, req GenerateRequest) (ImageResult, error) {
		start := time.Now()
		res, err := gen.Generate(ctx, req)
		metrics.GenerationDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
		metrics.GenerationsTotal.WithLabelValues(backend, outcome(err)).Inc()
		return res, err
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failure"
	}
}
