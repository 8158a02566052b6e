// Package idgen generates identifiers for escrows and requests.
package idgen

import (
	"encoding/hex"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	EscrowPrefix   = "esc_"
	WebhookPrefix  = "wh_"
	DeliveryPrefix = "dlv_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 random hex chars.
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// Deterministic derives a stable id from the parties and a caller supplied
// nonce, so a client retrying the same create request gets the same escrow id
// back instead of a duplicate. Parts are length-prefixed before hashing so
// ("ab","c") and ("a","bc") never collide.
func Deterministic(prefix string, parts ...string) string {
	buf := make([][]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		buf = append(buf, []byte{byte(len(p) >> 8), byte(len(p))}, []byte(p))
	}
	h := ethcrypto.Keccak256Hash(buf...)
	return prefix + hex.EncodeToString(h[:16])
}
