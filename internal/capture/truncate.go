package capture

import (
	"crypto/sha256"
	"encoding/hex"
)

// Truncate caps a raw body kept for the failure corpus, returning the kept
// bytes, whether anything was dropped, the original size and (when truncated)
// a sha256 fingerprint of the full input.
func Truncate(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}
