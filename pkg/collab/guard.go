package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextstep/nextstep/pkg/errdefs"
)

const (
	tracerName         = "nextstep.runtime"
	spanDependencyCall = "nextstep.dependency.fetch"
)

func dependencyTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// GuardConfig bounds calls to one collaborator.
type GuardConfig struct {
	// Timeout applies to every attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// RetryBackoff is the pause before the first retry; it doubles per retry.
	RetryBackoff time.Duration
	// RateLimit is the sustained calls per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// BreakerFailures consecutive failures open the circuit for
	// BreakerTimeout. Zero disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultGuardConfig returns conservative defaults for LMS-side calls.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:         500 * time.Millisecond,
		MaxRetries:      2,
		RetryBackoff:    50 * time.Millisecond,
		RateLimit:       200,
		Burst:           50,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// guardLogger is the minimal logger interface used by Guard.
type guardLogger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopGuardLogger struct{}

func (n *nopGuardLogger) Debug(msg string, args ...any) {}
func (n *nopGuardLogger) Warn(msg string, args ...any)  {}

// Guard runs collaborator calls with a per-attempt timeout, bounded retries,
// a rate limiter and a circuit breaker.
type Guard struct {
	name    string
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[any]
	logger  guardLogger
}

// NewGuard creates a Guard for the named dependency.
func NewGuard(name string, cfg GuardConfig, logger guardLogger) *Guard {
	if logger == nil {
		logger = &nopGuardLogger{}
	}
	g := &Guard{name: name, cfg: cfg, logger: logger}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.BreakerFailures > 0 {
		g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("dependency circuit changed state",
					"dependency", name,
					"from", from.String(),
					"to", to.String(),
				)
				metricsRecorder().RecordBreakerState(name, to.String())
			},
		})
	}
	return g
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// State returns the breaker state, "closed" when no breaker is configured.
func (g *Guard) State() string {
	if g.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return g.breaker.State().String()
}

func (g *Guard) execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	attemptCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	if g.breaker == nil {
		return fn(attemptCtx)
	}
	return g.breaker.Execute(func() (any, error) {
		return fn(attemptCtx)
	})
}

// Do runs fn under g. After the last failed attempt the error is an
// *errdefs.TransientDependencyError wrapping the final cause. An open
// circuit fails immediately without retrying.
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, span := dependencyTracer().Start(ctx, spanDependencyCall,
		trace.WithAttributes(attribute.String("nextstep.dependency", g.name)))
	defer span.End()

	start := time.Now()
	attempts := 0
	var lastErr error
retry:
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 && g.cfg.RetryBackoff > 0 {
			backoff := g.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(backoff):
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				lastErr = fmt.Errorf("rate limit: %w", err)
				break
			}
		}

		attempts++
		v, err := g.execute(ctx, func(ctx context.Context) (any, error) { return fn(ctx) })
		if err == nil {
			metricsRecorder().RecordDependencyCall(g.name, "ok", time.Since(start))
			span.SetAttributes(attribute.Int("nextstep.attempts", attempts))
			return castResult[T](v), nil
		}
		lastErr = err
		g.logger.Debug("dependency attempt failed", "dependency", g.name, "attempt", attempts, "error", err)

		if isOpen(err) || ctx.Err() != nil {
			break
		}
	}

	result := "error"
	if isOpen(lastErr) {
		result = "circuit_open"
	} else if errors.Is(lastErr, context.DeadlineExceeded) {
		result = "timeout"
	}
	metricsRecorder().RecordDependencyCall(g.name, result, time.Since(start))
	span.SetAttributes(attribute.Int("nextstep.attempts", attempts))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, result)

	return zero, &errdefs.TransientDependencyError{Dependency: g.name, Attempts: attempts, Cause: lastErr}
}

func isOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func castResult[T any](v any) T {
	var zero T
	if v == nil {
		return zero
	}
	t, ok := v.(T)
	if !ok {
		return zero
	}
	return t
}
