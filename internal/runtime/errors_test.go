package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/kmproxy/internal/resolver"
)

func TestStatusForError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"resolution":         {err: fmt.Errorf("%w: nxdomain", resolver.ErrResolution), want: http.StatusBadGateway},
		"upstream":           {err: classifyUpstreamError(errors.New("connection refused")), want: http.StatusBadGateway},
		"upstream deadline":  {err: classifyUpstreamError(context.DeadlineExceeded), want: http.StatusGatewayTimeout},
		"coalescing timeout": {err: ErrCoalescingTimeout, want: http.StatusGatewayTimeout},
		"retries exhausted":  {err: ErrRetriesExhausted, want: http.StatusServiceUnavailable},
		"unknown":            {err: errors.New("boom"), want: http.StatusBadGateway},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, statusForError(tc.err))
		})
	}
	require.ErrorIs(t, ErrUpstreamTimeout, ErrUpstream)
}
