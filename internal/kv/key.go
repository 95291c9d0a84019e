package kv

import "strings"

// Key builds a colon-joined path out of atoms, the way the engine's three
// index tables are addressed (spec §3, §9). A segment containing a colon is
// split on colons before being appended, so every atom that ends up in the
// joined string is itself colon-free — callers never need to escape
// anything.
//
// This replaces the "cache.at(...).at(...).at(...)" method-chain idiom noted
// in spec §9 with a small value type: build with At, materialize with
// String.
type Key struct {
	atoms []string
}

// NewKey starts a Key from the given atoms.
func NewKey(atoms ...string) Key {
	var k Key
	return k.At(atoms...)
}

// At appends atoms to the key, splitting any atom containing a colon into
// multiple segments.
func (k Key) At(atoms ...string) Key {
	out := make([]string, len(k.atoms), len(k.atoms)+len(atoms))
	copy(out, k.atoms)
	for _, a := range atoms {
		out = append(out, strings.Split(a, ":")...)
	}
	return Key{atoms: out}
}

// String renders the key as its colon-joined wire form.
func (k Key) String() string {
	return strings.Join(k.atoms, ":")
}
