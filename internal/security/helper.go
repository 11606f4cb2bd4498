// Package security provides seed-to-key derivation for the UDS security
// access handshake. The XOR scheme is a development default; real ECUs use
// OEM algorithms such as AES-CMAC over the seed.
package security

import (
	"crypto/aes"
	"fmt"

	"github.com/chmike/cmac-go"
)

// Helper derives the key for a security-access seed at a given level.
// Implementations decide what an all-zero seed means: ISO treats it as
// "already unlocked", some OEMs use it as an error signal, so the raw seed
// always reaches the helper untouched.
type Helper interface {
	DeriveKey(level uint8, seed []byte) ([]byte, error)
}

// XorHelper is the development default: key[i] = seed[i] ^ secret[i % len].
type XorHelper struct {
	Secret []byte
}

func (h XorHelper) DeriveKey(_ uint8, seed []byte) ([]byte, error) {
	if len(h.Secret) == 0 {
		return nil, fmt.Errorf("xor helper: empty secret")
	}
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b ^ h.Secret[i%len(h.Secret)]
	}
	return key, nil
}

// CmacHelper computes the key as AES-CMAC(secret, level || seed), the shape
// used by several OEM security algorithms.
type CmacHelper struct {
	Secret []byte // 16, 24 or 32 bytes
}

func (h CmacHelper) DeriveKey(level uint8, seed []byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, h.Secret)
	if err != nil {
		return nil, fmt.Errorf("cmac helper: %w", err)
	}
	mac.Write([]byte{level})
	mac.Write(seed)
	return mac.Sum(nil), nil
}

// FromConfig builds a helper from configuration: algorithm "xor" (default)
// or "aes_cmac" with a shared secret.
func FromConfig(algorithm string, secret []byte) (Helper, error) {
	switch algorithm {
	case "", "xor":
		return XorHelper{Secret: secret}, nil
	case "aes_cmac", "cmac":
		switch len(secret) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("aes_cmac secret must be 16, 24 or 32 bytes, got %d", len(secret))
		}
		return CmacHelper{Secret: secret}, nil
	}
	return nil, fmt.Errorf("unknown security algorithm %q", algorithm)
}
