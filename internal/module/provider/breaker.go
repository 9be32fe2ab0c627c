package provider

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"go.uber.org/zap"
)

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// breakerSet holds one circuit breaker per provider. Only transient
// failures count against a breaker.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Result]
	cfg      BreakerConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newBreakerSet(cfg BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *breakerSet {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Result]),
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

func (s *breakerSet) get(providerID string) *gobreaker.CircuitBreaker[*Result] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[providerID]; ok {
		return b
	}

	threshold := s.cfg.FailureThreshold
	b := gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Timeout:     s.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("provider breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			s.metrics.SetBreakerState(name, int(to))
		},
	})
	s.breakers[providerID] = b
	s.metrics.SetBreakerState(providerID, int(gobreaker.StateClosed))
	return b
}

// State returns the breaker state for a provider.
func (s *breakerSet) State(providerID string) gobreaker.State {
	return s.get(providerID).State()
}
