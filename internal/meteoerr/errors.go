// Package meteoerr defines the sentinel error values returned by the
// cache, gap-finding, provider and query layers of MeteoService.
//
// Callers should use errors.Is against these sentinels rather than
// comparing error strings; wrapped context is added with fmt.Errorf's
// %w verb at the point the error originates.
package meteoerr

import "errors"

var (
	// ErrInvalidRange is returned when a query's start time is not
	// strictly before its end time.
	ErrInvalidRange = errors.New("meteoerr: start must be before end")

	// ErrPastOnly is returned when a query's start time lies in the
	// future for a provider that cannot forecast.
	ErrPastOnly = errors.New("meteoerr: provider does not support future start times")

	// ErrUnknownProvider is returned by the registry when no adapter
	// is registered under the requested name.
	ErrUnknownProvider = errors.New("meteoerr: unknown provider")

	// ErrUnknownStation is returned when a station cannot be found in
	// the cache or resolved through the provider.
	ErrUnknownStation = errors.New("meteoerr: unknown station")

	// ErrMultiModelUnsupported is returned when a single request names
	// more than one model; the forecast adapter serves at most one
	// caller-requested model per request.
	ErrMultiModelUnsupported = errors.New("meteoerr: provider does not support multiple models")

	// ErrMixedFrequency is returned when a forecast provider's models
	// report data at different native frequencies within one fetch.
	ErrMixedFrequency = errors.New("meteoerr: models returned mixed frequencies")

	// ErrBadFrequency is returned when a frequency string cannot be
	// parsed into a duration.
	ErrBadFrequency = errors.New("meteoerr: invalid frequency")

	// ErrProviderContract is returned when an adapter's response
	// violates its declared contract (missing columns, wrong shape,
	// an empty name, and so on).
	ErrProviderContract = errors.New("meteoerr: provider violated its contract")

	// ErrUpstream wraps a failure talking to a provider while fetching
	// one gap. It is never fatal to the overall query: when every gap
	// fails and the cache held nothing, the query returns empty frames.
	ErrUpstream = errors.New("meteoerr: upstream request failed")
)
