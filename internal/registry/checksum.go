package registry

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/r3e-network/taskengine/internal/domain/task"
)

// Checksum computes the SHA-256 fingerprint of a task's content:
// metadata || script source || input schema || output schema,
// concatenated in that fixed order, matching spec.md §3's definition
// and used by Sync to detect a task that changed at its source.
func Checksum(c task.Content) string {
	h := sha256.New()
	for _, field := range fieldsForChecksum(c) {
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}
