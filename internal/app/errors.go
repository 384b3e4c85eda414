package app

import (
	"errors"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/engine"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrNotJoined          = errors.New("not joined to a room")
	ErrSessionClosed      = core.ErrSessionClosed
	ErrResourceNotFound   = errors.New("resource not found")
	ErrCapabilityMismatch = errors.New("cannot consume")
	ErrTransportExists    = errors.New("transport already exists")
	ErrEngine             = errors.New("media engine failure")
)

// EngineError classifies an error returned by the media engine. Errors
// caused by the request parameters are reported as ErrBadRequest.
func EngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrInvalidDTLS),
		errors.Is(err, engine.ErrInvalidKind),
		errors.Is(err, engine.ErrUnsupportedCodec):
		return errors.Join(ErrBadRequest, err)
	case errors.Is(err, engine.ErrNotFound):
		return errors.Join(ErrResourceNotFound, err)
	}
	return errors.Join(ErrEngine, err)
}
