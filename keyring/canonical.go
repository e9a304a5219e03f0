package keyring

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Canonicalize produces the stable-key-order JSON byte image used for
// signing: any key beginning with "__" is excluded from the signed bytes so
// payloads may carry unsigned metadata (such as a protobuf Any's type_url
// tag) without invalidating signatures.
//
// The same exclusion must be applied on both sign and verify; callers must
// never canonicalize with one rule and verify with another.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	stripped := stripReserved(generic)
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, stripped); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stripReserved recursively removes any object key beginning with "__".
func stripReserved(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if len(k) >= 2 && k[0] == '_' && k[1] == '_' {
				continue
			}
			out[k] = stripReserved(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripReserved(val)
		}
		return out
	default:
		return v
	}
}

// encodeCanonical writes v as compact JSON with object keys in sorted order
// and no insignificant whitespace.
func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
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
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
