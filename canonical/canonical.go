// Package canonical implements the deterministic JSON serialization and
// hashing primitives that the ACE payment protocol signs and MACs over.
// Every place a challenge, payment, or unsigned message is hashed must
// canonicalize first so the signer and the verifier agree byte-for-byte.
package canonical

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Marshal produces the canonical JSON encoding of v: object keys sorted
// lexicographically at every level, arrays left in their original order,
// no insignificant whitespace, and struct fields dropped by omitempty
// left out entirely. Values that are present but nil are emitted as null.
//
// v is first round-tripped through encoding/json into a generic
// map[string]interface{}/[]interface{} tree (so struct field tags and
// omitempty are honored exactly as encoding/json would apply them), then
// re-serialized with keys sorted at every level.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal input: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode to generic form: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString is Marshal returning a string, for callers that hash or
// log the canonical form directly.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]interface{}:
		return writeCanonicalObject(buf, val)
	case []interface{}:
		return writeCanonicalArray(buf, val)
	case json.Number:
		return writeCanonicalNumber(buf, val)
	case string:
		return writeCanonicalString(buf, val)
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	default:
		// encoding/json with UseNumber only ever produces the types above
		// plus nested maps/slices; anything else means the caller handed
		// us something outside the JSON data model.
		return fmt.Errorf("canonical: unsupported value of type %T", v)
	}
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// Sort by UTF-16 code-unit order, matching how JSON.stringify-based
	// implementations of this same protocol compare keys.
	sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeCanonicalArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	// json.Number already carries the original textual form produced by
	// encoding/json's own number formatting; re-emit it verbatim so
	// canonicalization doesn't introduce its own rounding.
	buf.WriteString(n.String())
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	buf.Write(encoded)
	return nil
}

// lessUTF16 compares two strings by the ordering of their UTF-16 code
// units, which is what JSON.stringify's key ordering is defined against
// in the reference (JavaScript) implementation of this protocol.
func lessUTF16(a, b string) bool {
	au := utf16Units(a)
	bu := utf16Units(b)
	for i := 0; i < len(au) && i < len(bu); i++ {
		if au[i] != bu[i] {
			return au[i] < bu[i]
		}
	}
	return len(au) < len(bu)
}

func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r <= 0xFFFF {
			units = append(units, uint16(r))
			continue
		}
		r -= 0x10000
		units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return units
}

// Sha256Hex UTF-8 encodes s, hashes it with SHA-256, and returns lowercase hex.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HmacSha256Hex computes HMAC-SHA-256 over s using key, both UTF-8, and
// returns lowercase hex.
func HmacSha256Hex(key, s string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHmacSha256Hex reports whether mac is the correct lowercase-hex
// HMAC-SHA-256 of s under key, comparing in constant time.
func VerifyHmacSha256Hex(key, s, mac string) bool {
	expected := HmacSha256Hex(key, s)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(mac)) == 1
}

// ToMicroUSDC rounds usdc to the nearest integer number of millionths of
// a USDC. It fails if usdc is non-finite, non-positive, or rounds to zero.
func ToMicroUSDC(usdc float64) (int64, error) {
	if math.IsNaN(usdc) || math.IsInf(usdc, 0) {
		return 0, fmt.Errorf("canonical: usdc amount is not finite: %v", usdc)
	}
	if usdc <= 0 {
		return 0, fmt.Errorf("canonical: usdc amount must be positive, got %v", usdc)
	}
	micro := math.Round(usdc * 1_000_000)
	if micro <= 0 {
		return 0, fmt.Errorf("canonical: usdc amount %v rounds to zero micro-USDC", usdc)
	}
	return int64(micro), nil
}

// FormatUSDC renders a micro-USDC integer as a fixed decimal string with
// exactly six fractional digits, e.g. 250000 -> "0.250000".
func FormatUSDC(micro int64) string {
	neg := micro < 0
	if neg {
		micro = -micro
	}
	whole := micro / 1_000_000
	frac := micro % 1_000_000
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%06d", sign, whole, frac)
}
