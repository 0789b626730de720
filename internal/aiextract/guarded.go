package aiextract

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/resilience"
	"github.com/sells-group/pricewatch/pkg/anthropic"
)

// GuardedClient retries transient provider failures with backoff and
// stops calling the provider while its breaker is open. Rate limits count
// toward the breaker; other errors do not.
type GuardedClient struct {
	inner   anthropic.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewGuardedClient wraps inner using the retry and breaker settings.
func NewGuardedClient(inner anthropic.Client, s resilience.Settings) *GuardedClient {
	retry := s.Retry()
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	bc := s.Breaker("anthropic")
	bc.ShouldTrip = resilience.IsRateLimit
	return &GuardedClient{
		inner:   inner,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(bc),
	}
}

// CreateMessage implements anthropic.Client.
func (g *GuardedClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := g.inner.CreateMessage(ctx, req)
			if err != nil && resilience.IsRateLimit(err) {
				zap.L().Warn("aiextract: provider rate limited", zap.String("model", req.Model), zap.Error(err))
			}
			return resp, err
		})
	})
}

// State reports the breaker state.
func (g *GuardedClient) State() resilience.CircuitState {
	return g.breaker.State()
}
