package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Lookup.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrNotCached     = "E_NOT_CACHED"
	ErrNoTarget      = "E_NO_TARGET"

	// Request layer.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrRateLimit    = "E_RATE_LIMIT"
	ErrBusy         = "E_BUSY"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldNotFound:   {},
	ErrNotCached:       {},
	ErrNoTarget:        {},
	ErrBadRequest:      {},
	ErrNoPermission:    {},
	ErrRateLimit:       {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
