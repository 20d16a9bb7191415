package llm

import "errors"

var (
	// ErrUpstreamTimeout means the stream exceeded the total duration
	// ceiling. Partial text accumulated so far is still returned.
	ErrUpstreamTimeout = errors.New("llm: upstream timeout")

	// ErrUpstreamUnavailable means the model server could not be reached
	// or refused the request before any tokens arrived.
	ErrUpstreamUnavailable = errors.New("llm: upstream unavailable")

	// ErrUpstreamProtocol means the server responded but the stream did
	// not follow the expected newline-delimited JSON shape.
	ErrUpstreamProtocol = errors.New("llm: upstream protocol error")

	// ErrUnknownTarget means the caller named an endpoint that is not
	// configured. Targets are a closed set; there is no silent fallback.
	ErrUnknownTarget = errors.New("llm: unknown endpoint target")
)
