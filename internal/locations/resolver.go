package locations

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/curetrials/trialchat/internal/models"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// LLM is a generative-language model able to answer a prompt with a JSON document.
type LLM interface {
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}

// Geocoder resolves a place name. A nil place with a nil error means the provider has no match.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (*models.Place, error)
}

// DefaultGeocodeDelay is the minimum spacing between two geocoding calls.
const DefaultGeocodeDelay = 50 * time.Millisecond

// CachedGeocoder memoizes a Geocoder for the process lifetime, keyed by the lowercased query. Misses are
// cached as well; errors are not.
type CachedGeocoder struct {
	next Geocoder

	mu    sync.RWMutex
	cache map[string]*models.Place

	group   singleflight.Group
	timeout time.Duration
}

// DefaultLookupTimeout bounds a single provider lookup made by CachedGeocoder.
const DefaultLookupTimeout = 15 * time.Second

// NewCachedGeocoder wraps next with a cache.
func NewCachedGeocoder(next Geocoder) *CachedGeocoder {
	return &CachedGeocoder{
		next:    next,
		cache:   make(map[string]*models.Place),
		timeout: DefaultLookupTimeout,
	}
}

func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Cached returns the cached answer for query, if any.
func (c *CachedGeocoder) Cached(query string) (*models.Place, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.cache[cacheKey(query)]
	return p, ok
}

// Geocode implements Geocoder. Concurrent lookups of the same key share one provider call. The shared
// call outlives the caller that started it, so one caller giving up never fails the others; it is bounded
// by its own timeout instead.
func (c *CachedGeocoder) Geocode(ctx context.Context, query string) (*models.Place, error) {
	key := cacheKey(query)
	if p, ok := c.Cached(key); ok {
		return p, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		p, err := c.next.Geocode(callCtx, query)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = p
		c.mu.Unlock()
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Place), nil
	}
}

// Resolver runs the full extraction and geocoding pipeline for one answer.
type Resolver struct {
	llm      LLM
	geocoder *CachedGeocoder
	limiter  *rate.Limiter

	logger *slog.Logger
}

// NewResolver creates a Resolver. llm may be nil, in which case only the pattern fallback is used.
// Provider calls are spaced at least delay apart; cache hits are not throttled.
func NewResolver(llm LLM, geocoder *CachedGeocoder, delay time.Duration, logger *slog.Logger) *Resolver {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Resolver{
		llm:      llm,
		geocoder: geocoder,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(slog.String("module", "locations")),
	}
}

// Extract returns the locations mentioned in text, using the model when possible.
func (r *Resolver) Extract(ctx context.Context, text string) []models.Location {
	if r.llm == nil {
		return FallbackExtract(text)
	}

	raw, err := r.llm.CompleteJSON(ctx, Prompt(text))
	if err != nil {
		r.logger.Debug("Model extraction failed, using fallback", slog.String(errLoggerKey, err.Error()))
		return FallbackExtract(text)
	}

	locs, err := ParseExtraction(raw)
	if err != nil {
		r.logger.Debug("Model extraction unparsable, using fallback", slog.String(errLoggerKey, err.Error()))
		return FallbackExtract(text)
	}
	return locs
}

// Resolve extracts locations from text and geocodes them one by one. Locations the provider cannot
// resolve are dropped. The result is nil when ctx is done before geocoding finishes.
func (r *Resolver) Resolve(ctx context.Context, text string) []models.Location {
	extracted := r.Extract(ctx, text)

	resolved := make([]models.Location, 0, len(extracted))
	for _, loc := range extracted {
		place, ok := r.geocoder.Cached(loc.Name)
		if !ok {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
			var err error
			place, err = r.geocoder.Geocode(ctx, loc.Name)
			if err != nil {
				r.logger.Debug("Geocoding failed",
					slog.String("location", loc.Name),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
		}
		if place == nil {
			continue
		}

		loc.Coordinates = &[2]float64{place.Longitude, place.Latitude}
		loc.PlaceName = place.PlaceName
		loc.Context = place.Context
		resolved = append(resolved, loc)
	}
	return resolved
}

const errLoggerKey = "error"
