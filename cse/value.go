package cse

import (
	"math"
)

// Value represents a Source value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-number values
// are encoded in the NaN space using the quiet NaN prefix and tag bits to
// distinguish types.
//
// Encoding scheme:
//   - Number: native IEEE 754 double (if not a tagged NaN, it's a number)
//   - Special: quiet NaN + tagSpecial + id (undefined/null/true/false)
//   - String/Pair/Array/Closure/Builtin/Host: quiet NaN + tag + heap ID
//
// Heap-backed values carry a 32-bit heap ID in the payload rather than a
// raw pointer, so the same Value can be snapshotted, compared by identity,
// and traversed cycle-safely.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for heap IDs and special IDs
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagSpecial uint64 = 0x0001000000000000 // undefined, null, true, false
	tagString  uint64 = 0x0002000000000000 // heap string
	tagPair    uint64 = 0x0003000000000000 // heap pair
	tagArray   uint64 = 0x0004000000000000 // heap array
	tagClosure uint64 = 0x0005000000000000 // heap closure
	tagBuiltin uint64 = 0x0006000000000000 // heap builtin function
	tagHost    uint64 = 0x0007000000000000 // opaque host object
)

// Special value payloads
const (
	specialUndefined uint64 = 0
	specialNull      uint64 = 1
	specialTrue      uint64 = 2
	specialFalse     uint64 = 3
)

// Pre-defined special values
const (
	Undefined Value = Value(nanBits | tagSpecial | specialUndefined)
	Null      Value = Value(nanBits | tagSpecial | specialNull)
	True      Value = Value(nanBits | tagSpecial | specialTrue)
	False     Value = Value(nanBits | tagSpecial | specialFalse)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNumber returns true if v represents a float64 number.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsNumber() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular number
		return true
	}

	// Exponent is all 1s. Could be Infinity or NaN.
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		// +Inf or -Inf
		return true
	}

	if (bits & nanBits) != nanBits {
		// Signaling NaN, treat as number
		return true
	}

	tag := bits & tagMask
	if tag == 0 {
		// Untagged quiet NaN: the number NaN
		return true
	}

	return false
}

func (v Value) hasTag(tag uint64) bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tag)
}

// IsUndefined returns true if v is undefined.
func (v Value) IsUndefined() bool { return v == Undefined }

// IsNull returns true if v is null.
func (v Value) IsNull() bool { return v == Null }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// IsString returns true if v is a heap string.
func (v Value) IsString() bool { return v.hasTag(tagString) }

// IsPair returns true if v is a pair.
func (v Value) IsPair() bool { return v.hasTag(tagPair) }

// IsArray returns true if v is an array.
func (v Value) IsArray() bool { return v.hasTag(tagArray) }

// IsClosure returns true if v is a user function value.
func (v Value) IsClosure() bool { return v.hasTag(tagClosure) }

// IsBuiltin returns true if v is a built-in function value.
func (v Value) IsBuiltin() bool { return v.hasTag(tagBuiltin) }

// IsHost returns true if v is an opaque host object.
func (v Value) IsHost() bool { return v.hasTag(tagHost) }

// IsCallable returns true if v can be applied.
func (v Value) IsCallable() bool { return v.IsClosure() || v.IsBuiltin() }

// ---------------------------------------------------------------------------
// Number operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a number.
func (v Value) Float64() float64 {
	if !v.IsNumber() {
		panic("Value.Float64: not a number")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	if math.IsNaN(f) {
		// Normalise every NaN to the canonical quiet NaN so the tag
		// space stays unambiguous.
		return Value(nanBits)
	}
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Heap ID operations
// ---------------------------------------------------------------------------

// HeapID returns the heap ID encoded in v.
// Panics if v is not heap-backed.
func (v Value) HeapID() uint32 {
	if v.IsNumber() || v.hasTag(tagSpecial) {
		panic("Value.HeapID: not a heap value")
	}
	return uint32(uint64(v) & payloadMask)
}

func fromHeapID(tag uint64, id uint32) Value {
	return Value(nanBits | tag | uint64(id))
}

// TypeName returns the Source-level type name for v.
func (v Value) TypeName() string {
	switch {
	case v == Undefined:
		return "undefined"
	case v == Null:
		return "null"
	case v.IsBool():
		return "boolean"
	case v.IsNumber():
		return "number"
	case v.IsString():
		return "string"
	case v.IsPair():
		return "pair"
	case v.IsArray():
		return "array"
	case v.IsClosure(), v.IsBuiltin():
		return "function"
	default:
		return "object"
	}
}
