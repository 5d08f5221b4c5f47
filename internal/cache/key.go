package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// BuildKey produces the canonical cache key for a logical request.
// The payload is serialized with encoding/json, which writes map keys
// in sorted order, so identical logical requests yield identical keys
// regardless of input-map ordering. The sorted table list is kept as a
// readable prefix so pattern invalidation can match on it.
func BuildKey(kind string, tables []string, payload interface{}) (string, error) {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)

	envelope := struct {
		Kind    string      `json:"kind"`
		Tables  []string    `json:"tables"`
		Payload interface{} `json:"payload"`
	}{Kind: kind, Tables: sorted, Payload: payload}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return strings.Join(sorted, ",") + "|" + kind + "|" + hex.EncodeToString(sum[:16]), nil
}
