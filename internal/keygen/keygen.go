// Package keygen derives cache keys from REST request descriptors.
package keygen

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/hyperengineering/restsync/internal/types"
)

// Namespace prefixes every cache record key so that sync records can be
// told apart from other keys held by the same RecordStore.
const Namespace = "sync-record-"

// DefaultPageCursor is the query parameter that carries a listing's page cursor.
const DefaultPageCursor = "page_handle"

// IsRecordKey reports whether key belongs to the cache record namespace.
func IsRecordKey(key string) bool {
	if !strings.HasPrefix(key, Namespace) {
		return false
	}
	rest := key[len(Namespace):]
	if rest == "" {
		return false
	}
	for _, c := range rest {
		if !(c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// GenerateRawKey returns the canonical, unhashed identity of req:
// apiVersion, method, path and the canonical query joined by "-".
func GenerateRawKey(req *types.Request) string {
	var b strings.Builder
	b.WriteString(req.APIVersion)
	b.WriteByte('-')
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte('-')
	b.WriteString(req.Path)
	if q := CanonicalQuery(req.Query); q != "" {
		b.WriteByte('-')
		b.WriteString(q)
	}
	return b.String()
}

// GenerateKey returns the namespaced SHA-1 digest of the request identity.
// Equivalent requests (same version, method, path and query parameters in
// any order) always map to the same key.
func GenerateKey(req *types.Request) string {
	sum := sha1.Sum([]byte(GenerateRawKey(req)))
	return Namespace + hex.EncodeToString(sum[:])
}

// PageSeriesKey returns the key shared by every page of a paginated listing:
// the key of req with its page cursor parameter removed.
func PageSeriesKey(req *types.Request, cursorParam string) string {
	if cursorParam == "" {
		cursorParam = DefaultPageCursor
	}
	series := *req
	series.Query = StripQueryParam(req.Query, cursorParam)
	return GenerateKey(&series)
}

// HasQueryParam reports whether the query string carries the named parameter.
func HasQueryParam(query, name string) bool {
	for _, p := range splitQuery(query) {
		if paramName(p) == name {
			return true
		}
	}
	return false
}

// CanonicalQuery sorts the query parameters by name. Values of a repeated
// parameter keep their relative order. Parameters are not decoded so the
// canonical form never depends on escaping rules.
func CanonicalQuery(query string) string {
	parts := splitQuery(query)
	sort.SliceStable(parts, func(i, j int) bool {
		return paramName(parts[i]) < paramName(parts[j])
	})
	return strings.Join(parts, "&")
}

// StripQueryParam removes every occurrence of the named parameter.
func StripQueryParam(query, name string) string {
	parts := splitQuery(query)
	kept := parts[:0]
	for _, p := range parts {
		if paramName(p) != name {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "&")
}

func splitQuery(query string) []string {
	query = strings.TrimPrefix(query, "?")
	if query == "" {
		return nil
	}
	raw := strings.Split(query, "&")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func paramName(p string) string {
	if i := strings.IndexByte(p, '='); i >= 0 {
		return p[:i]
	}
	return p
}
