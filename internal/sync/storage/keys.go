// Package storage names attachment objects in blob storage.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// HashPrefixLen is the number of hex characters of the content hash kept in
// object keys.
const HashPrefixLen = 12

// CalculateHash calculates SHA-256 hash of file content.
func CalculateHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ObjectKey builds "<kind>/<owner>/<yyyymmddhhmmss>-<index>-<hash12><ext>".
// The capture time, the attachment's position and its content hash together
// keep keys unique across rapid successive captures.
func ObjectKey(kind, owner string, capturedAt time.Time, index int, data []byte, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/%s/%s-%d-%s%s",
		sanitizeSegment(kind),
		sanitizeSegment(owner),
		capturedAt.UTC().Format("20060102150405"),
		index,
		CalculateHash(data)[:HashPrefixLen],
		strings.ToLower(ext),
	)
}

// sanitizeSegment keeps a key segment to [A-Za-z0-9_-].
func sanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
