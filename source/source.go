// Package source defines how tile content is produced for an address.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/akhenakh/tileseed/tile"
)

// ErrNoContent is returned when an address has no content and no tile must be written.
var ErrNoContent = errors.New("no content for tile")

// Source produces tile content. Implementations must be safe for concurrent use
// and must not mutate shared state.
type Source interface {
	Fetch(ctx context.Context, addr tile.Address) (*tile.Tile, error)
}

// Func adapts a function to the Source interface.
type Func func(ctx context.Context, addr tile.Address) (*tile.Tile, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, addr tile.Address) (*tile.Tile, error) {
	return f(ctx, addr)
}

// Kind classifies a source failure.
type Kind uint8

const (
	// Unavailable is a network or upstream availability failure.
	Unavailable Kind = iota
	// Timeout is a call exceeding its deadline.
	Timeout
	// MalformedQuery is a request the upstream will never accept.
	MalformedQuery
	// RendererFailure is an upstream renderer answering without an image.
	RendererFailure
	// Encoding is a geometry or tile serialization failure.
	Encoding
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case MalformedQuery:
		return "malformed query"
	case RendererFailure:
		return "renderer failure"
	case Encoding:
		return "encoding"
	}
	return "unknown"
}

// Error is a failure to produce a tile.
type Error struct {
	Kind Kind
	Addr tile.Address
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source %s for %s: %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again may succeed: only network and timeout failures are.
func (e *Error) Retryable() bool {
	return e.Kind == Unavailable || e.Kind == Timeout
}

// NewError wraps err with a kind, a nil err returns nil.
func NewError(kind Kind, addr tile.Address, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Addr: addr, Err: err}
}

// EncodingError wraps a serialization failure, always terminal for the tile.
func EncodingError(addr tile.Address, err error) error {
	return NewError(Encoding, addr, err)
}

// IsRetryable reports whether err is marked as retryable by any error in its chain.
// Errors without a classification are retried.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !errors.Is(err, ErrNoContent) && !errors.Is(err, context.Canceled)
}
