// Package wire implements the size-prefixed flatbuffer messages that
// cross the guest/host boundary: FunctionCall, ReturnValue/Param, and
// the supporting GuestError, HostFunctionDetails, and GuestLogData
// shapes from spec.md §3 and §6.
//
// There is no in-pack repo that wires a flatbuffer runtime (see
// SPEC_FULL.md's DOMAIN STACK table), so this package is grounded
// directly on the real Hyperlight project's own wire format as
// described by original_source/hyperlight_common/src/flatbuffer_wrappers/function_types.rs:
// each scalar/string/bytes parameter or return value is a small table
// wrapping one value, Parameter and FunctionCallResult wrap those tables
// behind a one-byte union discriminant, and FunctionCall carries a
// vector of Parameter tables. Every
// message is written with Builder.FinishSizePrefixed so the 4-byte
// length prefix spec.md's stack-buffer algorithm expects precedes the
// flatbuffer root table.
package wire

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// ValueKind is the wire discriminant for a Param or ReturnValue's
// union slot, matching ParameterValue/ReturnValue's variants in
// function_types.rs plus ReturnValue's extra Void case.
type ValueKind byte

const (
	KindNone ValueKind = iota
	KindInt
	KindUInt
	KindLong
	KindULong
	KindBool
	KindString
	KindVecBytes
	KindVoid
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "Int"
	case KindUInt:
		return "UInt"
	case KindLong:
		return "Long"
	case KindULong:
		return "ULong"
	case KindBool:
		return "Bool"
	case KindString:
		return "String"
	case KindVecBytes:
		return "VecBytes"
	case KindVoid:
		return "Void"
	default:
		return "None"
	}
}

// field offsets shared by the Param/ReturnValue tables. Each of those
// has at most two fields, so a single small vtable layout (kind at slot
// 0, value at slot 1) covers all of them; FunctionCall, GuestError,
// GuestLogData and HostFunctionDetails use their own slot constants.
const (
	slotKind  = 0
	slotValue = 1
)

func writeScalarTable(b *flatbuffers.Builder, writeValue func()) flatbuffers.UOffsetT {
	b.StartObject(1)
	writeValue()
	return b.EndObject()
}
