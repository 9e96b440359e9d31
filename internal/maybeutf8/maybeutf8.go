// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package maybeutf8 preserves environment key/value bytes that may not be
// valid Unicode. A child process's environment is an arbitrary byte soup on
// POSIX; most of it is a valid UTF-8 string, but the archive must not
// silently corrupt the rest.
package maybeutf8

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// Value is either a UTF-8 string or a raw, possibly-invalid byte sequence.
// Its JSON form is untagged: a plain string when the bytes are valid UTF-8,
// an array of byte values otherwise. The selector is "is every byte valid
// UTF-8?", decided once at construction.
type Value struct {
	s       string
	b       []byte
	isUTF8  bool
}

// New selects the UTF-8 or raw-byte representation of b.
func New(b []byte) Value {
	if utf8.Valid(b) {
		return Value{s: string(b), isUTF8: true}
	}
	return Value{b: append([]byte(nil), b...)}
}

// FromString wraps a known-valid string directly, skipping the validity scan.
func FromString(s string) Value {
	return Value{s: s, isUTF8: true}
}

// Bytes returns the value's underlying bytes regardless of representation.
func (v Value) Bytes() []byte {
	if v.isUTF8 {
		return []byte(v.s)
	}
	return v.b
}

// String returns the value as a string, replacing invalid bytes is not
// performed here — callers that need a guaranteed-valid string should use
// strings.ToValidUTF8 on Bytes().
func (v Value) String() string {
	if v.isUTF8 {
		return v.s
	}
	return string(v.b)
}

// MarshalJSON emits a plain string for valid UTF-8, or an explicit array of
// byte values otherwise. The raw branch can't use Go's []byte shortcut —
// encoding/json marshals []byte as a base64 JSON string, indistinguishable
// from the isUTF8 branch's output, which would make UnmarshalJSON unable to
// tell the two cases apart.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isUTF8 {
		return json.Marshal(v.s)
	}
	ints := make([]int, len(v.b))
	for i, c := range v.b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON picks the branch by the JSON value's own shape — a leading
// '"' is the UTF-8 string form, anything else (a '[') is the raw byte array.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v.s, v.isUTF8, v.b = s, true, nil
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	b := make([]byte, len(ints))
	for i, n := range ints {
		b[i] = byte(n)
	}
	v.b, v.isUTF8, v.s = b, false, ""
	return nil
}

// Pair is a (key, value) entry as captured from a process environment, e.g.
// one element of `os.Environ()` split on its first `=`.
type Pair struct {
	Key   Value `json:"0"`
	Value Value `json:"1"`
}

// MarshalJSON renders the pair as a two-element array, matching the
// (MaybeUtf8, MaybeUtf8) tuple shape the HTTP surface's schema documents.
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]Value{p.Key, p.Value})
}

func (p *Pair) UnmarshalJSON(data []byte) error {
	var pair [2]Value
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Key, p.Value = pair[0], pair[1]
	return nil
}

// EnvPairs splits a process environment (as returned by os.Environ) into
// key/value pairs, preserving raw bytes for anything that isn't valid UTF-8.
func EnvPairs(environ []string) []Pair {
	pairs := make([]Pair, 0, len(environ))
	for _, kv := range environ {
		pairs = append(pairs, splitEnv(kv))
	}
	return pairs
}

func splitEnv(kv string) Pair {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return Pair{Key: New([]byte(kv[:i])), Value: New([]byte(kv[i+1:]))}
		}
	}
	return Pair{Key: New([]byte(kv))}
}
