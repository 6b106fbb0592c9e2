package client

import (
	"encoding/base64"
	"strings"
)

// Metadata is a typedef for the key/value pairs encoded into the
// Upload-Metadata header.
type Metadata map[string]string

// encodeMetadata renders md per the tus Upload-Metadata grammar: a
// comma-separated list of "key base64(value)" pairs. Keys with an empty
// value are encoded bare, with no trailing space and no encoded value.
// Map iteration order is non-deterministic in Go, so callers that need a
// byte-stable header across calls should pass metadata with at most one
// key, or rely only on set membership rather than ordering.
func encodeMetadata(md Metadata) string {
	if len(md) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(md))
	for key, value := range md {
		if value == "" {
			pairs = append(pairs, key)
			continue
		}
		pairs = append(pairs, key+" "+base64.StdEncoding.EncodeToString([]byte(value)))
	}

	return strings.Join(pairs, ",")
}
