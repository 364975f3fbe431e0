// Package bencode implements the bencode object model used by the session
// store: a tagged value carrying a per-node flag set, with a serializer that
// can suppress flagged subtrees.
package bencode

import (
	"bytes"
	"sort"
)

// Type identifies the concrete kind of a Value.
type Type uint8

const (
	TypeNone Type = iota
	TypeInteger
	TypeBytes
	TypeList
	TypeMap
)

// FlagSessionData marks nodes that belong to the session store rather than
// the original metainfo document. Serializing the document with this flag in
// the skip mask strips the store-private subtrees.
const FlagSessionData uint32 = 0x1

// Value is a single bencode node. The zero value is the none value.
type Value struct {
	typ   Type
	flags uint32

	num  int64
	str  []byte
	list []*Value
	dict map[string]*Value
}

func NewNone() *Value { return &Value{} }

func NewInteger(v int64) *Value { return &Value{typ: TypeInteger, num: v} }

func NewBytes(b []byte) *Value { return &Value{typ: TypeBytes, str: b} }

func NewString(s string) *Value { return &Value{typ: TypeBytes, str: []byte(s)} }

func NewList(items ...*Value) *Value { return &Value{typ: TypeList, list: items} }

func NewMap() *Value { return &Value{typ: TypeMap, dict: make(map[string]*Value)} }

// Type is nil-safe: a nil *Value reads as the none value, as do the payload
// and child accessors below. The flag accessors need a non-nil node.
func (v *Value) Type() Type {
	if v == nil {
		return TypeNone
	}
	return v.typ
}

func (v *Value) IsNone() bool { return v.Type() == TypeNone }

// Integer returns the numeric payload, or 0 for non-integer nodes.
func (v *Value) Integer() int64 {
	if v == nil || v.typ != TypeInteger {
		return 0
	}
	return v.num
}

// Bytes returns the byte-string payload, or nil for non-bytes nodes.
func (v *Value) Bytes() []byte {
	if v == nil || v.typ != TypeBytes {
		return nil
	}
	return v.str
}

// Text returns the byte-string payload as a string.
func (v *Value) Text() string { return string(v.Bytes()) }

// List returns the element slice, or nil for non-list nodes.
func (v *Value) List() []*Value {
	if v == nil || v.typ != TypeList {
		return nil
	}
	return v.list
}

// Append adds an element to a list node. A no-op for other kinds.
func (v *Value) Append(items ...*Value) *Value {
	if v.typ == TypeList {
		v.list = append(v.list, items...)
	}
	return v
}

// Len returns the element count of a list or map node, otherwise 0.
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.typ {
	case TypeList:
		return len(v.list)
	case TypeMap:
		return len(v.dict)
	}
	return 0
}

// Get returns the child for key, or nil when absent or not a map.
func (v *Value) Get(key string) *Value {
	if v == nil || v.typ != TypeMap {
		return nil
	}
	return v.dict[key]
}

func (v *Value) Has(key string) bool { return v.Get(key) != nil }

// Set inserts or replaces a child of a map node. A no-op for other kinds.
func (v *Value) Set(key string, child *Value) *Value {
	if v.typ == TypeMap {
		v.dict[key] = child
	}
	return v
}

// Delete removes a child of a map node.
func (v *Value) Delete(key string) {
	if v.typ == TypeMap {
		delete(v.dict, key)
	}
}

// Keys returns the map keys in lexicographic byte order. Insertion order is
// not retained; bencode emits sorted.
func (v *Value) Keys() []string {
	if v == nil || v.typ != TypeMap {
		return nil
	}
	keys := make([]string, 0, len(v.dict))
	for k := range v.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v *Value) Flags() uint32 { return v.flags }

// SetFlags ors the given flags into the node's flag set.
func (v *Value) SetFlags(f uint32) { v.flags |= f }

// ClearFlags removes the given flags from the node's flag set.
func (v *Value) ClearFlags(f uint32) { v.flags &^= f }

func (v *Value) HasFlags(f uint32) bool { return v.flags&f != 0 }

// Clone returns a deep copy of the value, flags included.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{typ: v.typ, flags: v.flags, num: v.num}
	if v.str != nil {
		out.str = append([]byte(nil), v.str...)
	}
	if v.list != nil {
		out.list = make([]*Value, len(v.list))
		for i, item := range v.list {
			out.list[i] = item.Clone()
		}
	}
	if v.dict != nil {
		out.dict = make(map[string]*Value, len(v.dict))
		for k, child := range v.dict {
			out.dict[k] = child.Clone()
		}
	}
	return out
}

// Equal reports structural equality. Flags are annotations, not data, and do
// not participate.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeNone:
		return true
	case TypeInteger:
		return v.num == other.num
	case TypeBytes:
		return bytes.Equal(v.str, other.str)
	case TypeList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.dict) != len(other.dict) {
			return false
		}
		for k, child := range v.dict {
			if !child.Equal(other.dict[k]) {
				return false
			}
		}
		return true
	}
	return false
}
