// Package indexcodec serializes crate version records into the
// line-delimited JSON index format: one JSON object per line, fields in
// a fixed order, UTF-8, with no trailing newline after the final record.
// It mirrors the newline-delimited-JSON convention the crates.io-index
// repository uses, the same shape github.com/sourcegraph's crate syncer
// background job parses line-by-line with encoding/json.
package indexcodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Dependency is one entry of an index line's "deps" array. Field order
// matches struct declaration order, which json.Marshal preserves, so the
// serialized line is deterministic across encode/decode round trips.
type Dependency struct {
	Name               string  `json:"name"`
	Req                string  `json:"req"`
	Features           []string `json:"features"`
	Optional           bool    `json:"optional"`
	DefaultFeatures    bool    `json:"default_features"`
	Target             *string `json:"target"`
	Kind               string  `json:"kind"`
	Registry           *string `json:"registry,omitempty"`
	Package            *string `json:"package,omitempty"`
}

// Line is one version's index row. Field order is fixed by declaration
// order; encoding/json always emits struct fields in that order, which is
// what keeps re-serialization byte-for-byte identical to the original.
type Line struct {
	Name     string                 `json:"name"`
	Vers     string                 `json:"vers"`
	Deps     []Dependency           `json:"deps"`
	Cksum    string                 `json:"cksum"`
	Features map[string][]string    `json:"features"`
	Features2 map[string][]string   `json:"features2,omitempty"`
	Yanked   bool                   `json:"yanked"`
	Links    *string                `json:"links,omitempty"`
	V        int                    `json:"v"`
}

// Encode serializes a single Line to one JSON object with no trailing
// newline; callers join lines with "\n" via EncodeAll.
func Encode(l Line) ([]byte, error) {
	return json.Marshal(l)
}

// EncodeAll serializes every line, one JSON object per output line
// joined by "\n", with no trailing newline after the last record: the
// blob's length is a pure function of its content, not of how many
// lines happen to precede a final empty one.
func EncodeAll(lines []Line) ([]byte, error) {
	var buf bytes.Buffer
	for i, l := range lines {
		b, err := Encode(l)
		if err != nil {
			return nil, fmt.Errorf("encode index line %q: %w", l.Vers, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeAll parses a line-delimited index file back into Lines, skipping
// blank lines the way parseCrateInformation does for the upstream
// crates.io-index format.
func DecodeAll(contents []byte) ([]Line, error) {
	lines := make([]Line, 0, 1)
	for _, raw := range bytes.Split(contents, []byte("\n")) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("malformed index line (%q): %w", raw, err)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

// ETag derives a stable content hash for a whole index file: the hex
// SHA-256 of its canonical encoding. Two equal sets of Lines, encoded in
// the same order, always produce the same ETag, which is the round-trip
// law EncodeAll/DecodeAll/EncodeAll must uphold.
func ETag(lines []Line) (string, error) {
	b, err := EncodeAll(lines)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
