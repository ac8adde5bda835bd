// Package provider defines the adapter contract every upstream
// meteorological data source implements, the shared open/close
// lifecycle those adapters embed, and the process-wide registry the
// query manager resolves provider names against.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/httpclient"
	"github.com/sitscholl/MeteoService/internal/meteoerr"
	"github.com/sitscholl/MeteoService/internal/record"
)

// Sensor is one upstream-reported measurement channel for a station,
// translated into the canonical variable name it maps to.
type Sensor struct {
	Code     string // upstream sensor code, e.g. "LT" or "temperature_2m"
	Variable string // canonical name, e.g. "tair_2m"
}

// Adapter is the contract every provider implements. Name, Freq,
// Inclusive, CanForecast, CacheData, LatestWindow and ForecastWindow
// are static properties a provider reports about itself; Open/Close
// bracket a window in which HTTP calls are allowed; ListStations
// through Run carry out the actual data retrieval pipeline.
type Adapter interface {
	Name() string
	Freq() time.Duration
	Inclusive() gapfinder.Inclusive
	CanForecast() bool
	CacheData() bool
	LatestWindow() time.Duration
	ForecastWindow() time.Duration

	// Open prepares the adapter for a burst of requests: it creates
	// (or joins, via refcounting) the shared HTTP client and rate
	// limiter used by every call made before the matching Close.
	Open(ctx context.Context) error
	// Close releases the adapter's share of the open window. Once
	// every caller that opened has closed, the shared client is torn
	// down.
	Close() error

	ListStations(ctx context.Context) ([]record.Station, error)
	GetStationInfo(ctx context.Context, externalID string) (record.Station, error)
	GetSensors(ctx context.Context, externalID string) ([]Sensor, error)

	// Run executes the full fetch -> transform -> validate pipeline
	// for one station and one gap, returning a frame holding the
	// instants the upstream reported; reindexing onto the canonical
	// grid is left to the caller. models is the caller's requested model
	// subset (empty for "adapter default"); an adapter that cannot
	// serve more than one model per call must reject a longer list
	// with meteoerr.ErrMultiModelUnsupported rather than silently
	// picking one or mixing them.
	Run(ctx context.Context, station string, models []string, start, end time.Time) (*record.Frame, error)
}

// Base implements the shared open/close lifecycle, rate limiting and
// bounded concurrency every concrete adapter embeds. It is not itself
// an Adapter; concrete types embed it and implement the
// domain-specific methods.
type Base struct {
	Timeout             time.Duration
	MaxConcurrentReqs   int
	SleepBetweenReqs    time.Duration
	MaxConcurrentLimit  int

	mu       sync.Mutex
	refCount int
	client   *http.Client
	sem      chan struct{}
	limiter  *rate.Limiter
}

// NewBase constructs a Base with the given lifecycle parameters,
// mirroring the constructor contract of a provider's Python
// counterpart: a non-positive maxConcurrentRequests is rejected.
func NewBase(timeout time.Duration, maxConcurrentRequests int, sleepBetweenRequests time.Duration) (*Base, error) {
	if maxConcurrentRequests < 1 {
		return nil, fmt.Errorf("%w: max concurrent requests must be >= 1, got %d", meteoerr.ErrProviderContract, maxConcurrentRequests)
	}
	return &Base{
		Timeout:            timeout,
		MaxConcurrentReqs:  maxConcurrentRequests,
		SleepBetweenReqs:   sleepBetweenRequests,
		MaxConcurrentLimit: maxConcurrentRequests,
	}, nil
}

// Open increments the refcount and, on the closed-to-open transition,
// builds the shared HTTP client, semaphore and rate limiter used until
// the matching Close. Nested Open/Close pairs (re-entrant use within
// one query) share the same client.
func (b *Base) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refCount == 0 {
		b.client = httpclient.NewClient(b.Timeout)
		b.sem = make(chan struct{}, b.MaxConcurrentLimit)
		interval := b.SleepBetweenReqs
		if interval <= 0 {
			interval = time.Millisecond
		}
		b.limiter = rate.NewLimiter(rate.Every(interval), b.MaxConcurrentLimit)
	}
	b.refCount++
	return nil
}

// Close decrements the refcount and, once it reaches zero, tears down
// the shared HTTP client's idle connections.
func (b *Base) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refCount == 0 {
		return fmt.Errorf("%w: Close called without a matching Open", meteoerr.ErrProviderContract)
	}
	b.refCount--
	if b.refCount == 0 {
		b.client.CloseIdleConnections()
		b.client = nil
		b.sem = nil
		b.limiter = nil
	}
	return nil
}

// Client returns the shared HTTP client. It is only valid between a
// successful Open and its matching Close.
func (b *Base) Client() *http.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Acquire blocks until a concurrency slot is free and the rate
// limiter admits another request, then returns a release function the
// caller must invoke when the request completes.
func (b *Base) Acquire(ctx context.Context) (func(), error) {
	b.mu.Lock()
	sem, limiter := b.sem, b.limiter
	b.mu.Unlock()
	if sem == nil {
		return nil, fmt.Errorf("%w: adapter used outside an Open/Close window", meteoerr.ErrProviderContract)
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := limiter.Wait(ctx); err != nil {
		<-sem
		return nil, err
	}
	return func() { <-sem }, nil
}

// Registry is a process-wide, case-insensitive name-to-adapter map.
// It is built once at startup; there is no dynamic registration after
// construction.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from a fixed set of adapters, keyed by
// their own reported Name().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

// Get resolves a provider by name, case-insensitively.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", meteoerr.ErrUnknownProvider, name)
	}
	return a, nil
}

// Names returns the registered provider names in the casing they were
// registered with.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Name())
	}
	return out
}
