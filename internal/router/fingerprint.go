package router

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the deduplication key for an inbound message from
// its user, channel and content. Two frames with the same fingerprint
// inside the dedup window are the same message retried, regardless of
// their frame IDs.
func Fingerprint(userID, channelID, content string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(channelID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
