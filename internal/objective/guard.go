package objective

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantfold/autotune/pkg/search"
)

// Circuit breaker settings for external evaluator calls. The evaluator runs
// arbitrary external logic, so sustained failures trip the breaker and
// subsequent trials fail fast instead of piling up on a broken dependency.
const (
	evaluatorMinRequests     = 5
	evaluatorFailureRatio    = 0.6
	evaluatorOpenTimeout     = 30 * time.Second
	evaluatorHalfOpenMaxReqs = 3
	evaluatorCountInterval   = 10 * time.Second
)

// Guarded wraps an evaluator with a circuit breaker. Trials rejected by an
// open breaker surface as ordinary evaluation failures, which the search
// engine records with a score of negative infinity.
type Guarded struct {
	inner   Evaluator
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded wraps the evaluator.
func NewGuarded(inner Evaluator) *Guarded {
	settings := gobreaker.Settings{
		Name:        "objective-evaluator",
		MaxRequests: evaluatorHalfOpenMaxReqs,
		Interval:    evaluatorCountInterval,
		Timeout:     evaluatorOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= evaluatorMinRequests && ratio >= evaluatorFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Evaluator circuit breaker state changed")
		},
	}
	return &Guarded{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Evaluate runs the inner evaluator through the breaker.
func (g *Guarded) Evaluate(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Evaluate(ctx, params, w)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Evaluation), nil
}
