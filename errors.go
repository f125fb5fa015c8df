package main

import (
	"errors"
	"net/http"
)

// Error kinds used across the runtime. Recoverable kinds are retried by the
// admission path; terminal kinds map straight to HTTP statuses.
var (
	// ErrInstanceFull is returned when a join races for the last slot and
	// loses. Callers retry with a fresh instance lookup.
	ErrInstanceFull = errors.New("instance full")

	// ErrInstanceGone is returned when an instance was garbage-collected or
	// finished between lookup and action.
	ErrInstanceGone = errors.New("instance gone")

	// ErrNotFound covers unknown blueprints, agents and players.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput covers malformed action payloads and out-of-range values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceBusy is returned when admission retries are exhausted.
	ErrServiceBusy = errors.New("service busy")

	// ErrEngineFatal marks a failure in the engine core of a tick. The
	// instance transitions to Finished and all players are disconnected.
	ErrEngineFatal = errors.New("engine fatal")
)

// httpStatus maps an error kind to the status code served by the agent API.
func httpStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInstanceFull) || errors.Is(err, ErrInstanceGone):
		return http.StatusConflict
	case errors.Is(err, ErrServiceBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
