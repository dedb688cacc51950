package ir

import (
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// IRValue is a sealed interface representing the value types allowed in
// canonical content. Only IRString, IRInt, IRBool, IRArray, and IRObject
// implement it. There is no float variant; see Real.
type IRValue interface {
	irValue() // Sealed - only these types implement it
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value. Always int64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an array of IRValue elements.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of string keys to IRValue elements.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// Real renders a float64 as canonical content.
//
// The value is formatted as the shortest decimal string that round-trips to
// the same float64, so equal values always produce equal bytes. Negative zero
// is folded into zero. NaN and infinities are rendered by name; callers that
// must reject them validate before hashing.
func Real(x float64) IRString {
	if x == 0 {
		return IRString("0")
	}
	switch {
	case math.IsNaN(x):
		return IRString("NaN")
	case math.IsInf(x, 1):
		return IRString("+Inf")
	case math.IsInf(x, -1):
		return IRString("-Inf")
	}
	return IRString(strconv.FormatFloat(x, 'g', -1, 64))
}

// Reals renders a float64 slice as an IRArray of Real values.
func Reals(xs []float64) IRArray {
	arr := make(IRArray, len(xs))
	for i, x := range xs {
		arr[i] = Real(x)
	}
	return arr
}

// Ints renders an int slice as an IRArray.
func Ints(xs []int) IRArray {
	arr := make(IRArray, len(xs))
	for i, x := range xs {
		arr[i] = IRInt(x)
	}
	return arr
}

// Strings renders a string slice as an IRArray.
func Strings(xs []string) IRArray {
	arr := make(IRArray, len(xs))
	for i, x := range xs {
		arr[i] = IRString(x)
	}
	return arr
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 which produces a DIFFERENT order.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
