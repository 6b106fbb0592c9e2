package client

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/olivierb24/another-tus-client/upload"
)

// fingerprint derives a stable identifier for src from its name, size, and
// MIME type. It never touches the clock, the filesystem path, or any
// random source, so it is stable across platforms and process restarts and
// safe to use as a store key.
func fingerprint(src upload.Source) string {
	parts := []string{src.Name()}

	if size := src.Size(); size >= 0 {
		parts = append(parts, "size-"+strconv.FormatInt(size, 10))
	} else {
		parts = append(parts, "size-dynamic")
	}

	if mime := src.MIME(); mime != "" {
		parts = append(parts, "mime-"+mime)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "::")))
	return hex.EncodeToString(sum[:])
}
