package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// DispatchOptions carries per-call dispatch options.
type DispatchOptions struct {
	// IdempotencyKey is forwarded upstream unchanged on every attempt.
	IdempotencyKey string
	// OnAttempt is called after each attempt with its 1-based number and
	// outcome.
	OnAttempt func(attempt int, err error)
}

// Generator is what the batch executor needs from the dispatcher.
type Generator interface {
	Dispatch(ctx context.Context, modelKey, prompt string, settings map[string]any, opts DispatchOptions) (*Result, error)
}

// Dispatcher sends generation requests to providers with retries, a
// per-provider circuit breaker and an optional shared rate limit.
type Dispatcher struct {
	registry *ModelRegistry
	client   *http.Client
	cfg      config.DispatchConfig
	breakers *breakerSet
	limiter  Limiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil limiter allows every request.
func NewDispatcher(registry *ModelRegistry, client *http.Client, cfg config.DispatchConfig, limiter Limiter, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if limiter == nil {
		limiter = allowAll{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 120 * time.Second
	}

	logger = logger.Named("dispatch")
	return &Dispatcher{
		registry: registry,
		client:   client,
		cfg:      cfg,
		breakers: newBreakerSet(BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			OpenTimeout:      cfg.OpenTimeout,
		}, m, logger),
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Dispatch generates one asset. Transient failures are retried with
// exponential backoff and jitter up to the configured attempt count;
// permanent and quota failures return at once. The returned error is always
// a *GenerationError.
func (d *Dispatcher) Dispatch(ctx context.Context, modelKey, prompt string, settings map[string]any, opts DispatchOptions) (*Result, error) {
	model, adapter, err := d.registry.Resolve(modelKey)
	if err != nil {
		return nil, newError(KindPermanent, "", 0, "unknown model", err)
	}

	breaker := d.breakers.get(model.ProviderID)
	attempt := 0
	var result *Result

	operation := func() error {
		attempt++
		start := time.Now()

		res, err := d.attempt(ctx, model, adapter, breaker, prompt, settings, opts.IdempotencyKey)
		d.observe(model, attempt, time.Since(start), err)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, err)
		}

		if err == nil {
			result = res
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		var gerr *GenerationError
		if errors.As(err, &gerr) {
			return nil, gerr
		}
		return nil, newError(KindTransient, model.ProviderID, 0, "dispatch aborted", err)
	}
	return result, nil
}

func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = d.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *Dispatcher) attempt(
	ctx context.Context,
	model *ModelDescriptor,
	adapter Adapter,
	breaker *gobreaker.CircuitBreaker[*Result],
	prompt string,
	settings map[string]any,
	idempotencyKey string,
) (*Result, error) {
	allowed, err := d.limiter.Allow(ctx, model.ProviderID)
	if err != nil {
		d.logger.Warn("rate limiter unavailable, allowing request",
			zap.String("provider", model.ProviderID), zap.Error(err))
	} else if !allowed {
		return nil, newError(KindTransient, model.ProviderID, 0, "dispatch rate limit reached", ErrRateLimited)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	res, err := breaker.Execute(func() (*Result, error) {
		return d.call(attemptCtx, model, adapter, prompt, settings, idempotencyKey)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newError(KindTransient, model.ProviderID, 0, "circuit open", ErrCircuitOpen)
	}
	return res, err
}

func (d *Dispatcher) call(ctx context.Context, model *ModelDescriptor, adapter Adapter, prompt string, settings map[string]any, idempotencyKey string) (*Result, error) {
	req, err := adapter.BuildRequest(ctx, model, prompt, settings, idempotencyKey)
	if err != nil {
		return nil, newError(KindPermanent, model.ProviderID, 0, "build request", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classifyTransport(adapter, model.ProviderID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(adapter, model.ProviderID, err)
	}

	if gerr := adapter.Classify(resp.StatusCode, body, nil); gerr != nil {
		return nil, gerr
	}

	res, err := adapter.Normalize(body)
	if err != nil {
		var gerr *GenerationError
		if errors.As(err, &gerr) {
			return nil, gerr
		}
		return nil, newError(KindPermanent, model.ProviderID, resp.StatusCode, "unrecognized response", err)
	}
	return res, nil
}

func classifyTransport(adapter Adapter, providerID string, err error) error {
	if gerr := adapter.Classify(0, nil, err); gerr != nil {
		return gerr
	}
	return newError(KindTransient, providerID, 0, "request failed", err)
}

func (d *Dispatcher) observe(model *ModelDescriptor, attempt int, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	d.metrics.RecordDispatchAttempt(model.ProviderID, outcome, elapsed)

	fields := []zap.Field{
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", d.cfg.MaxAttempts),
		zap.String("model", model.Key),
		zap.String("provider", model.ProviderID),
		zap.String("kind", outcome),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		d.logger.Warn("dispatch attempt failed", append(fields, zap.Error(err))...)
		return
	}
	d.logger.Info("dispatch attempt succeeded", fields...)
}

// BreakerState returns the circuit state for a provider.
func (d *Dispatcher) BreakerState(providerID string) string {
	return d.breakers.State(providerID).String()
}

// Registry returns the model registry.
func (d *Dispatcher) Registry() *ModelRegistry {
	return d.registry
}

var _ Generator = (*Dispatcher)(nil)

