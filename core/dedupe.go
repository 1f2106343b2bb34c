package core

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// NormalizeObserved canonicalizes observed result text before hashing:
// surrounding whitespace trimmed, internal runs collapsed to single spaces,
// lowercased.
func NormalizeObserved(observed string) string {
	fields := strings.Fields(observed)
	return strings.ToLower(strings.Join(fields, " "))
}

// DedupeKey derives the duplicate-suppression key for a finding. Two
// submissions on the same bounty with equal normalized observed content hash
// to the same key.
func DedupeKey(bountyID, observed string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(bountyID))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeObserved(observed)))
	return hex.EncodeToString(h.Sum(nil))
}

// HashToken returns the storage form of a bearer token. Raw tokens are never
// persisted.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders a decoded JSON value deterministically: object keys
// sorted, no insignificant whitespace. Equal documents hash equal regardless
// of the key order the client sent.
func CanonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PayloadHash hashes the canonical encoding of a decoded JSON document.
func PayloadHash(value any) (string, error) {
	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(encoded)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
