package geo

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"gangban/internal/chat"
)

// HongKong is the fallback used whenever no probe answers in time.
var HongKong = chat.Coordinates{Latitude: 22.3193, Longitude: 114.1694}

const DefaultTimeout = 2500 * time.Millisecond

// Probe performs one best-effort location lookup. A nil result with a nil
// error means the location is unavailable.
type Probe interface {
	Locate(ctx context.Context) (*chat.Coordinates, error)
}

type ProbeFunc func(ctx context.Context) (*chat.Coordinates, error)

func (f ProbeFunc) Locate(ctx context.Context) (*chat.Coordinates, error) {
	return f(ctx)
}

// StaticProbe always answers with the same coordinates.
func StaticProbe(coords chat.Coordinates) Probe {
	return ProbeFunc(func(context.Context) (*chat.Coordinates, error) {
		c := coords
		return &c, nil
	})
}

// HTTPProbe asks an IP geolocation endpoint returning {"latitude", "longitude"}.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Locate(ctx context.Context) (*chat.Coordinates, error) {
	if p.URL == "" {
		return nil, nil
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build geolocation request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "geolocation request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("geolocation request failed with status %d", resp.StatusCode)
	}
	var parsed struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decode geolocation response")
	}
	if parsed.Latitude == nil || parsed.Longitude == nil {
		return nil, nil
	}
	coords := chat.Coordinates{Latitude: *parsed.Latitude, Longitude: *parsed.Longitude}
	if coords.Latitude < -90 || coords.Latitude > 90 || coords.Longitude < -180 || coords.Longitude > 180 {
		return nil, nil
	}
	return &coords, nil
}

// Resolver resolves coordinates at most once per session.
type Resolver struct {
	probe    Probe
	fallback chat.Coordinates
	logger   zerolog.Logger
	group    singleflight.Group

	mu       sync.Mutex
	resolved bool
	coords   chat.Coordinates
	closed   bool
}

type ResolverOption func(*Resolver)

func WithFallback(coords chat.Coordinates) ResolverOption {
	return func(r *Resolver) {
		r.fallback = coords
	}
}

func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func NewResolver(probe Probe, options ...ResolverOption) *Resolver {
	r := &Resolver{
		probe:    probe,
		fallback: HongKong,
		logger:   log.Logger.With().Str("component", "geo").Logger(),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Resolve returns the probe result if it arrives within timeout, the fallback
// otherwise. It never fails. Concurrent first callers share a single probe.
func (r *Resolver) Resolve(ctx context.Context, timeout time.Duration) chat.Coordinates {
	if coords, ok := r.cached(); ok {
		return coords
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	v, _, _ := r.group.Do("coordinates", func() (interface{}, error) {
		if coords, ok := r.cached(); ok {
			return coords, nil
		}
		coords := r.race(ctx, timeout)
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return coords, nil
		}
		if !r.resolved {
			r.resolved = true
			r.coords = coords
		}
		return r.coords, nil
	})
	return v.(chat.Coordinates)
}

func (r *Resolver) race(ctx context.Context, timeout time.Duration) chat.Coordinates {
	if r.probe == nil {
		return r.fallback
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		coords *chat.Coordinates
		err    error
	}
	done := make(chan result, 1)
	go func() {
		coords, err := r.probe.Locate(probeCtx)
		done <- result{coords: coords, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.logger.Debug().Err(res.err).Msg("location probe failed, using fallback")
			return r.fallback
		}
		if res.coords == nil {
			return r.fallback
		}
		return *res.coords
	case <-probeCtx.Done():
		r.logger.Debug().Dur("timeout", timeout).Msg("location probe timed out, using fallback")
		return r.fallback
	}
}

func (r *Resolver) cached() (chat.Coordinates, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coords, r.resolved
}

// Current returns the resolved coordinates, or the fallback before resolution.
func (r *Resolver) Current() chat.Coordinates {
	if coords, ok := r.cached(); ok {
		return coords
	}
	return r.fallback
}

func (r *Resolver) Resolved() bool {
	_, ok := r.cached()
	return ok
}

// Close stops a probe still in flight from being cached.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
