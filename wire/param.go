package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"hyperlight/errs"
)

// Param is one argument to a guest or host function call, corresponding
// to ParameterValue in function_types.rs. Exactly one field is
// meaningful, selected by Kind.
type Param struct {
	Kind     ValueKind
	Int      int32
	UInt     uint32
	Long     int64
	ULong    uint64
	Bool     bool
	String   string
	VecBytes []byte
}

func ParamInt(v int32) Param    { return Param{Kind: KindInt, Int: v} }
func ParamUInt(v uint32) Param  { return Param{Kind: KindUInt, UInt: v} }
func ParamLong(v int64) Param   { return Param{Kind: KindLong, Long: v} }
func ParamULong(v uint64) Param { return Param{Kind: KindULong, ULong: v} }
func ParamBool(v bool) Param    { return Param{Kind: KindBool, Bool: v} }
func ParamString(v string) Param {
	return Param{Kind: KindString, String: v}
}
func ParamVecBytes(v []byte) Param {
	return Param{Kind: KindVecBytes, VecBytes: v}
}

// writeValueTable appends the single small table holding this param's
// scalar/string/bytes payload and returns its offset, or 0 for Void
// (which carries no table at all).
func (p Param) writeValueTable(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	switch p.Kind {
	case KindInt:
		return writeScalarTable(b, func() { b.PrependInt32Slot(slotKind, p.Int, 0) })
	case KindUInt:
		return writeScalarTable(b, func() { b.PrependUint32Slot(slotKind, p.UInt, 0) })
	case KindLong:
		return writeScalarTable(b, func() { b.PrependInt64Slot(slotKind, p.Long, 0) })
	case KindULong:
		return writeScalarTable(b, func() { b.PrependUint64Slot(slotKind, p.ULong, 0) })
	case KindBool:
		return writeScalarTable(b, func() { b.PrependBoolSlot(slotKind, p.Bool, false) })
	case KindString:
		s := b.CreateString(p.String)
		b.StartObject(1)
		b.PrependUOffsetTSlot(slotKind, s, 0)
		return b.EndObject()
	case KindVecBytes:
		v := b.CreateByteVector(p.VecBytes)
		b.StartObject(1)
		b.PrependUOffsetTSlot(slotKind, v, 0)
		return b.EndObject()
	case KindVoid:
		return 0
	default:
		return 0
	}
}

// writeParameter appends the Parameter table wrapping this Param: a
// byte discriminant plus the union offset built by writeValueTable,
// and returns the Parameter table's own offset.
func (p Param) writeParameter(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	value := p.writeValueTable(b)
	b.StartObject(2)
	b.PrependByteSlot(slotKind, byte(p.Kind), 0)
	if value != 0 {
		b.PrependUOffsetTSlot(slotValue, value, 0)
	}
	return b.EndObject()
}

// decodeParameter reads back a Parameter table written by writeParameter.
func decodeParameter(t *flatbuffers.Table) (Param, error) {
	kind := ValueKind(readByteField(t, slotKind))
	inner := readUnionTableField(t, slotValue)

	switch kind {
	case KindInt:
		return ParamInt(readInt32Field(&inner, slotKind)), nil
	case KindUInt:
		return ParamUInt(readUint32Field(&inner, slotKind)), nil
	case KindLong:
		return ParamLong(readInt64Field(&inner, slotKind)), nil
	case KindULong:
		return ParamULong(readUint64Field(&inner, slotKind)), nil
	case KindBool:
		return ParamBool(readByteField(&inner, slotKind) != 0), nil
	case KindString:
		return ParamString(readStringField(&inner, slotKind)), nil
	case KindVecBytes:
		return ParamVecBytes(readBytesField(&inner, slotKind)), nil
	default:
		return Param{}, fmt.Errorf("%w: unrecognized parameter value kind %d", errs.ErrMalformedWireMessage, kind)
	}
}
