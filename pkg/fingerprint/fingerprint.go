// Package fingerprint derives stable dedupe keys for inbound events and hashes bearer credentials.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Compute returns the dedupe key of one logical event: a sha256 over a canonical serialization
// of (tenant, connection, event type, payload). Object keys are sorted at every depth, so two
// structurally identical payloads fingerprint identically regardless of key order.
func Compute(tenantID, connectionID, eventType string, payload map[string]any) string {
	envelope := map[string]any{
		"connection_id": connectionID,
		"event_type":    eventType,
		"payload":       payload,
		"tenant_id":     tenantID,
	}
	return hashString(Canonicalize(envelope))
}

// HashToken is the one-way function applied to long-lived bearer credentials before lookup.
func HashToken(token string) string {
	return hashString(token)
}

func hashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// Canonicalize renders v as JSON with object keys sorted recursively.
func Canonicalize(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, data any) {
	switch v := data.(type) {
	case map[string]any:
		if v == nil {
			sb.WriteString("null")
			return
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, v[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			// Values decoded from JSON always marshal. The marker is not valid JSON, so it never
			// equals the rendering of a real value.
			fmt.Fprintf(sb, "<unencodable %T>", v)
			return
		}
		sb.Write(b)
	}
}
