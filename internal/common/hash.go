package common

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Fingerprint hashes parts into a lowercase hex key. Parts are length
// prefixed, so ("ab", "c") and ("a", "bc") hash differently.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(strconv.Itoa(len(p))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
