package imagerepo

import (
	"github.com/adelaideecoinformatics/imagerepo/blobstore"
	"github.com/adelaideecoinformatics/imagerepo/cache"
	"github.com/adelaideecoinformatics/imagerepo/config"
	"github.com/adelaideecoinformatics/imagerepo/engine"
	"github.com/adelaideecoinformatics/imagerepo/transform"
)

// The public error contract. Callers discriminate with errors.Is; the
// sentinels alias the subsystem errors so wrapped errors from any layer
// match.
var (
	// ErrNotFound: the identity is absent from the originals container.
	ErrNotFound = engine.ErrNotFound
	// ErrUnavailable: a remote backend is unreachable; transient.
	ErrUnavailable = blobstore.ErrUnavailable
	// ErrStoreUnavailable: the originals store stayed unreachable for the
	// whole request deadline.
	ErrStoreUnavailable = engine.ErrStoreUnavailable
	// ErrCapacity: the artifact is too large for every bounded cache level.
	ErrCapacity = cache.ErrCapacity
	// ErrUnsupportedFormat: the source or target format is not supported.
	ErrUnsupportedFormat = transform.ErrUnsupportedFormat
	// ErrCorrupt: the source bytes failed to decode.
	ErrCorrupt = transform.ErrCorrupt
	// ErrConfig: the configuration is invalid; fatal at startup.
	ErrConfig = config.ErrInvalid
)
