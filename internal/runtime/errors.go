package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/l0p7/kmproxy/internal/resolver"
)

var (
	// ErrUpstream covers network failures talking to the resolved upstream.
	ErrUpstream = errors.New("runtime: upstream request failed")
	// ErrUpstreamTimeout is the timeout flavour of ErrUpstream.
	ErrUpstreamTimeout = fmt.Errorf("%w: timeout", ErrUpstream)
	// ErrCoalescingTimeout reports a waiter that gave up on an in-flight fetch.
	ErrCoalescingTimeout = errors.New("runtime: timed out waiting for in-flight fetch")
	// ErrRetriesExhausted reports a request that kept losing the fetch race.
	ErrRetriesExhausted = errors.New("runtime: coalescing retries exhausted")
)

// statusForError maps engine failures onto the status code sent to the client.
func statusForError(err error) int {
	switch {
	case errors.Is(err, resolver.ErrResolution):
		return http.StatusBadGateway
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrCoalescingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func classifyUpstreamError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
