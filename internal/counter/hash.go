package counter

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// dedupKey is a 128-bit BLAKE3 digest over the length-prefixed key fields.
func dedupKey(fields ...string) string {
	h := blake3.New()
	var prefix [binary.MaxVarintLen64]byte
	for _, field := range fields {
		n := binary.PutUvarint(prefix[:], uint64(len(field)))
		_, _ = h.Write(prefix[:n])
		_, _ = h.Write([]byte(field))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
