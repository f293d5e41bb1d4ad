package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tileseed/tile"
)

func TestIsRetryable(t *testing.T) {
	addr := tile.Address{Tileset: "t", Z: 1}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", NewError(Unavailable, addr, errors.New("conn refused")), true},
		{"timeout", NewError(Timeout, addr, context.DeadlineExceeded), true},
		{"malformed", NewError(MalformedQuery, addr, errors.New("syntax error")), false},
		{"renderer", NewError(RendererFailure, addr, errors.New("ServiceException")), false},
		{"encoding", EncodingError(addr, errors.New("bad geometry")), false},
		{"wrapped", fmt.Errorf("fetch: %w", NewError(Timeout, addr, errors.New("slow"))), true},
		{"unclassified", errors.New("disk full"), true},
		{"no content", ErrNoContent, false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNewError(t *testing.T) {
	require.NoError(t, NewError(Timeout, tile.Address{}, nil))

	cause := errors.New("boom")
	err := NewError(Unavailable, tile.Address{Tileset: "a", Z: 2, X: 1, Y: 3}, cause)
	require.True(t, errors.Is(err, cause))
	require.Equal(t, "source unavailable for a/2/1/3: boom", err.Error())
}
