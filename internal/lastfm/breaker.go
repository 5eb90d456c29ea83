package lastfm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/blackmichael/tracklist-feeds/internal/metrics"
)

// ArtLookup is anything that can resolve album art. *Client implements it.
type ArtLookup interface {
	AlbumArt(ctx context.Context, artist, track string) (string, error)
}

// BreakerSettings tunes the circuit breaker around the catalog.
type BreakerSettings struct {
	// MaxFailures is the run of consecutive failures that opens the circuit.
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before a trial request.
	OpenTimeout time.Duration
}

// Breaker stops calling the catalog after repeated failures so rating
// submissions do not each wait out a timeout while Last.fm is down.
type Breaker struct {
	lookup ArtLookup
	cb     *gobreaker.CircuitBreaker[string]
}

// NewBreaker wraps lookup in a circuit breaker.
func NewBreaker(lookup ArtLookup, settings BreakerSettings, logger *slog.Logger) *Breaker {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	metrics.CatalogBreakerState.Set(0)
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "lastfm",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about the catalog
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("catalog circuit breaker state changed", "from", from.String(), "to", to.String())
			metrics.CatalogBreakerState.Set(stateValue(to))
		},
	})

	return &Breaker{lookup: lookup, cb: cb}
}

// AlbumArt resolves album art through the breaker. While the circuit is
// open it fails fast with gobreaker.ErrOpenState.
func (b *Breaker) AlbumArt(ctx context.Context, artist, track string) (string, error) {
	url, err := b.cb.Execute(func() (string, error) {
		return b.lookup.AlbumArt(ctx, artist, track)
	})
	switch {
	case err == nil:
		metrics.CatalogRequests.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CatalogRequests.WithLabelValues("rejected").Inc()
	default:
		metrics.CatalogRequests.WithLabelValues("failure").Inc()
	}
	return url, err
}

// State reports the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
