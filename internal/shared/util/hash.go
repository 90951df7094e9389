package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const anonymousOwner = "anonymous"

// HashOwnerKey returns a filesystem-safe namespace for an owner ID. Uploads
// without an owner share the anonymous namespace.
func HashOwnerKey(ownerID string) string {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = anonymousOwner
	}
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:])
}
