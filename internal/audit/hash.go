package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// DomainRecord separates audit ids from any other hash in the system.
// Bump the suffix if the hashed fields ever change.
const DomainRecord = "ordersync/audit/v1"

// RecordID computes the content-addressed id of a transition record.
// Actor, reason and timestamp are excluded: two attempts to audit the same
// committed transition must collide no matter who retried it or when.
//
// subject is the order id, or "<order>/<line>" for line records.
func RecordID(subject, from, to string, version int64) (string, error) {
	canonical, err := marshalCanonical(map[string]any{
		"order_id": subject,
		"from":     from,
		"to":       to,
		"version":  version,
	})
	if err != nil {
		return "", fmt.Errorf("record id: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// marshalCanonical writes a flat object with sorted keys, NFC strings and no
// HTML escaping. Only strings, integers and booleans are accepted.
func marshalCanonical(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		switch v := obj[k].(type) {
		case string:
			if err := writeString(&buf, v); err != nil {
				return nil, err
			}
		case int64:
			fmt.Fprintf(&buf, "%d", v)
		case int:
			fmt.Fprintf(&buf, "%d", v)
		case bool:
			fmt.Fprintf(&buf, "%t", v)
		default:
			return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
