package rfmp

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// IDLen is the wire width of a message ID: 6 raw bytes, 12 hex characters.
const IDLen = 6

// ID is a content-addressed RFMP message fingerprint.
type ID [IDLen]byte

// Fingerprint computes the message ID per §4.3: the first 6 bytes of
// SHA-256(fromNode ‖ 0x1F ‖ be32(timestamp) ‖ 0x1F ‖ body).
func Fingerprint(fromNode string, timestamp uint32, body []byte) ID {
	h := sha256.New()
	h.Write([]byte(fromNode))
	h.Write([]byte{0x1F})
	var tsBuf [4]byte
	binary.BigEndian.PutUint32(tsBuf[:], timestamp)
	h.Write(tsBuf[:])
	h.Write([]byte{0x1F})
	h.Write(body)

	sum := h.Sum(nil)
	var id ID
	copy(id[:], sum[:IDLen])
	return id
}

// String hex-encodes the ID (12 lowercase hex characters).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes a 12-character hex string into an ID.
func ParseID(s string) (ID, error) {
	if len(s) != IDLen*2 {
		return ID{}, fmt.Errorf("rfmp: message id %q must be %d hex chars", s, IDLen*2)
	}
	var id ID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("rfmp: message id %q is not valid hex: %w", s, err)
	}
	return id, nil
}

// HasPrefix reports whether id's hex form starts with the given prefix,
// for the short-ID comparisons allowed by §4.3 (prefix match on ≥8 hex chars).
func (id ID) HasPrefix(prefix string) bool {
	if len(prefix) < 8 {
		return false
	}
	s := id.String()
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}
