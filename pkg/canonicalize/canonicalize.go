// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of webhook payloads and
// normalized records. Equivalent payloads canonicalize — and therefore
// hash — identically, which is what fingerprinting and self-echo
// suppression rely on.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// Transform returns the RFC 8785 canonical form of a raw JSON document:
// keys sorted by UTF-8 bytes, whitespace stripped, numbers normalized.
// The input bytes are used as delivered; the payload is never re-serialized
// through an intermediate struct.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// HashPayload returns the SHA-256 hex digest of the canonical form of raw.
func HashPayload(raw []byte) (string, error) {
	canonical, err := Transform(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ContentHash computes the content hash of an inbound delivery:
// SHA256(provider || "\0" || event_kind || "\0" || canonical_body).
func ContentHash(provider, eventKind string, rawBody []byte) (string, error) {
	canonical, err := Transform(rawBody)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(eventKind))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint derives the idempotency identity of a delivery. When the
// provider supplied a delivery id the fingerprint binds it to the content
// hash; otherwise the content hash stands alone.
func Fingerprint(contentHash, deliveryID string) string {
	if deliveryID == "" {
		return contentHash
	}
	h := sha256.New()
	h.Write([]byte(contentHash))
	h.Write([]byte(deliveryID))
	return hex.EncodeToString(h.Sum(nil))
}

// JCS returns the RFC 8785 canonical JSON representation of an in-memory
// value. The value is first marshaled through encoding/json so struct tags
// are respected, then re-encoded with sorted keys, no HTML escaping and
// json.Number arithmetic preservation.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// HashRecord returns the SHA-256 hex digest of the canonical JSON
// representation of v. Used for IssueRecord/PageRecord hashes.
func HashRecord(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // RFC 8785 requires no HTML escaping

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder adds a newline, trim it
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
