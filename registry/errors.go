package registry

import "errors"

// ErrUnknownPeer names the condition of a peer/hash-prefix pair with no
// PartialBlock registered. No function in this package currently returns
// it; Get reports that case with a false second result.
var ErrUnknownPeer = errors.New("registry: no partial block for that peer/hash prefix")
