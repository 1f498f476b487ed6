package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// QueryType selects the TTL class of a cached artifact.
type QueryType string

const (
	QueryLineage QueryType = "lineage" // long TTL: lineage rarely changes
	QuerySearch  QueryType = "search"  // moderate TTL
	QueryGeneral QueryType = "general" // short TTL
)

// Fingerprint derives the cache key for a query: SHA-256 over the query
// kind, the normalized (sorted-key) parameters, and the caller's trust
// level, so callers at different trust never share artifacts.
func Fingerprint(kind string, params map[string]any, trustLevel int) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(kind)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, params[k])
	}
	fmt.Fprintf(&sb, "|trust=%d", trustLevel)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Key builders for the engine's standard cache namespaces.

func CapsuleKey(id string) string {
	return "forge:capsule:" + SanitizeSegment(id)
}

func LineageKey(id string, depth int) string {
	return fmt.Sprintf("forge:lineage:%s:%d", SanitizeSegment(id), depth)
}

func SearchKey(queryHash string) string {
	return "forge:search:" + SanitizeSegment(queryHash)
}

// SanitizeSegment enforces the key-segment charset: anything outside
// [A-Za-z0-9._-] or longer than 128 characters is replaced by a digest
// marker so hostile input can never smuggle separators into a key.
func SanitizeSegment(seg string) string {
	if validSegment(seg) {
		return seg
	}
	sum := sha256.Sum256([]byte(seg))
	return "sanitized_" + hex.EncodeToString(sum[:])[:32]
}

func validSegment(seg string) bool {
	if len(seg) == 0 || len(seg) > 128 {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
