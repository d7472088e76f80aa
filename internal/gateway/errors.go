package gateway

import "errors"

// Sentinel errors shared across gateway components. Per-session failures
// (auth, rate limiting, malformed frames) are reported to the offending
// session as error frames; bus connectivity problems degrade silently and
// surface only through health/metrics.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrChannelNotPermitted = errors.New("channel not permitted")
	ErrBackendDegraded     = errors.New("backend degraded")
	ErrNoEligibleTargets   = errors.New("no eligible targets")
	ErrTransport           = errors.New("transport error")
	ErrUnknownType         = errors.New("unknown message type")
	ErrSessionNotFound     = errors.New("session not found")
)

// Code maps an error to the wire code sent to clients in error frames.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrResourceExhausted):
		return "RESOURCE_EXHAUSTED"
	case errors.Is(err, ErrChannelNotPermitted):
		return "CHANNEL_NOT_PERMITTED"
	case errors.Is(err, ErrBackendDegraded):
		return "BACKEND_DEGRADED"
	case errors.Is(err, ErrNoEligibleTargets):
		return "NO_ELIGIBLE_TARGETS"
	case errors.Is(err, ErrTransport):
		return "TRANSPORT_ERROR"
	case errors.Is(err, ErrUnknownType):
		return "UNKNOWN_TYPE"
	case errors.Is(err, ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
