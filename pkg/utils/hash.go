package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// HashKey returns the hex SHA-256 of raw, used as a fixed-length Redis key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// ContainsPattern is a LIKE pattern matching values that contain term
// literally. Queries using it must declare ESCAPE '\'.
func ContainsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

// JoinURL resolves path against base. A base without a trailing slash keeps its
// final segment, unlike url.ResolveReference.
func JoinURL(base, path string) (string, error) {
	baseURL, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return "", err
	}
	relURL, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relURL).String(), nil
}
