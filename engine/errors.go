package engine

import "errors"

// ErrNotFound is returned when an identity is absent from the originals
// container.
var ErrNotFound = errors.New("engine: image not found")

// ErrStoreUnavailable is returned when the originals container stayed
// unreachable for the whole request deadline.
var ErrStoreUnavailable = errors.New("engine: originals store unavailable")

// ErrNoDerivativeContainer is returned by URL requests for derivatives
// when no remote derivative-cache tier is configured to hold them.
var ErrNoDerivativeContainer = errors.New("engine: no derivative container configured for presigned URLs")
