package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"hyperlight/errs"
)

// ReturnValue is the result of a guest or host function call, matching
// the Rust ReturnValue enum: every ParameterValue shape plus Void.
type ReturnValue struct {
	Kind     ValueKind
	Int      int32
	UInt     uint32
	Long     int64
	ULong    uint64
	Bool     bool
	String   string
	VecBytes []byte
}

func ReturnInt(v int32) ReturnValue    { return ReturnValue{Kind: KindInt, Int: v} }
func ReturnUInt(v uint32) ReturnValue  { return ReturnValue{Kind: KindUInt, UInt: v} }
func ReturnLong(v int64) ReturnValue   { return ReturnValue{Kind: KindLong, Long: v} }
func ReturnULong(v uint64) ReturnValue { return ReturnValue{Kind: KindULong, ULong: v} }
func ReturnBool(v bool) ReturnValue    { return ReturnValue{Kind: KindBool, Bool: v} }
func ReturnString(v string) ReturnValue {
	return ReturnValue{Kind: KindString, String: v}
}
func ReturnVecBytes(v []byte) ReturnValue {
	return ReturnValue{Kind: KindVecBytes, VecBytes: v}
}

var ReturnVoid = ReturnValue{Kind: KindVoid}

func (r ReturnValue) writeValueTable(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	switch r.Kind {
	case KindInt:
		return writeScalarTable(b, func() { b.PrependInt32Slot(slotKind, r.Int, 0) })
	case KindUInt:
		return writeScalarTable(b, func() { b.PrependUint32Slot(slotKind, r.UInt, 0) })
	case KindLong:
		return writeScalarTable(b, func() { b.PrependInt64Slot(slotKind, r.Long, 0) })
	case KindULong:
		return writeScalarTable(b, func() { b.PrependUint64Slot(slotKind, r.ULong, 0) })
	case KindBool:
		return writeScalarTable(b, func() { b.PrependBoolSlot(slotKind, r.Bool, false) })
	case KindString:
		s := b.CreateString(r.String)
		b.StartObject(1)
		b.PrependUOffsetTSlot(slotKind, s, 0)
		return b.EndObject()
	case KindVecBytes:
		v := b.CreateByteVector(r.VecBytes)
		b.StartObject(1)
		b.PrependUOffsetTSlot(slotKind, v, 0)
		return b.EndObject()
	case KindVoid:
		return 0
	default:
		return 0
	}
}

// EncodeReturnValue serializes r as a size-prefixed FunctionCallResult
// flatbuffer, the shape the host-function response pushed through
// mem.Manager.WriteHostFunctionCall and the orchestrator's post-dispatch
// read both use.
func EncodeReturnValue(r ReturnValue) []byte {
	b := flatbuffers.NewBuilder(64)
	value := r.writeValueTable(b)
	b.StartObject(2)
	b.PrependByteSlot(slotKind, byte(r.Kind), 0)
	if value != 0 {
		b.PrependUOffsetTSlot(slotValue, value, 0)
	}
	root := b.EndObject()
	b.FinishSizePrefixed(root)
	return b.FinishedBytes()
}

// DecodeReturnValue reads back a size-prefixed FunctionCallResult
// flatbuffer produced by EncodeReturnValue (or by the guest's own
// runtime, whose encoding must match field-for-field).
func DecodeReturnValue(buf []byte) (ReturnValue, error) {
	if len(buf) < 4 {
		return ReturnValue{}, fmt.Errorf("%w: return value buffer too short", errs.ErrMalformedWireMessage)
	}
	root := getSizePrefixedRootAsTable(buf)
	kind := ValueKind(readByteField(root, slotKind))
	inner := readUnionTableField(root, slotValue)

	switch kind {
	case KindInt:
		return ReturnInt(readInt32Field(&inner, slotKind)), nil
	case KindUInt:
		return ReturnUInt(readUint32Field(&inner, slotKind)), nil
	case KindLong:
		return ReturnLong(readInt64Field(&inner, slotKind)), nil
	case KindULong:
		return ReturnULong(readUint64Field(&inner, slotKind)), nil
	case KindBool:
		return ReturnBool(readByteField(&inner, slotKind) != 0), nil
	case KindString:
		return ReturnString(readStringField(&inner, slotKind)), nil
	case KindVecBytes:
		return ReturnVecBytes(readBytesField(&inner, slotKind)), nil
	case KindVoid:
		return ReturnVoid, nil
	default:
		return ReturnValue{}, fmt.Errorf("%w: unrecognized return value kind %d", errs.ErrMalformedWireMessage, kind)
	}
}
