package sovd

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 16-hex-digit identifier for transfers, packages,
// executions and subscriptions. Identifiers are process-local and never
// persisted, so collision resistance of 64 bits is plenty.
func NewID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to an all-zero id rather than panicking the server.
		return "0000000000000000"
	}
	return hex.EncodeToString(b[:])
}
