package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"hyperlight/errs"
)

// CallKind distinguishes a guest-directed call from a host-directed
// one on the same FunctionCall wire shape (spec.md §3,
// SPEC_FULL.md supplemented feature 5).
type CallKind byte

const (
	CallKindGuest CallKind = iota
	CallKindHost
)

// field slots for the FunctionCall table.
const (
	fcSlotName               = 0
	fcSlotParams             = 1
	fcSlotKind               = 2
	fcSlotExpectedReturnType = 3
)

// FunctionCall is a named call with positional parameters, serialized
// as a size-prefixed flatbuffer and pushed into the input-data or
// output-data stack buffer depending on direction (spec.md §3, §4.F).
type FunctionCall struct {
	Name               string
	Params             []Param
	Kind               CallKind
	ExpectedReturnType ValueKind
}

// Encode serializes fc as a size-prefixed FunctionCall flatbuffer.
func (fc FunctionCall) Encode() []byte {
	b := flatbuffers.NewBuilder(128 + 32*len(fc.Params))

	paramOffsets := make([]flatbuffers.UOffsetT, len(fc.Params))
	for i, p := range fc.Params {
		paramOffsets[i] = p.writeParameter(b)
	}
	b.StartVector(4, len(paramOffsets), 4)
	for i := len(paramOffsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(paramOffsets[i])
	}
	paramsVec := b.EndVector(len(paramOffsets))

	name := b.CreateString(fc.Name)

	b.StartObject(4)
	b.PrependUOffsetTSlot(fcSlotName, name, 0)
	b.PrependUOffsetTSlot(fcSlotParams, paramsVec, 0)
	b.PrependByteSlot(fcSlotKind, byte(fc.Kind), 0)
	b.PrependByteSlot(fcSlotExpectedReturnType, byte(fc.ExpectedReturnType), 0)
	root := b.EndObject()
	b.FinishSizePrefixed(root)
	return b.FinishedBytes()
}

// DecodeFunctionCall reads back a size-prefixed FunctionCall flatbuffer.
func DecodeFunctionCall(buf []byte) (FunctionCall, error) {
	if len(buf) < 4 {
		return FunctionCall{}, fmt.Errorf("%w: function call buffer too short", errs.ErrMalformedWireMessage)
	}
	root := getSizePrefixedRootAsTable(buf)

	fc := FunctionCall{
		Name:               readStringField(root, fcSlotName),
		Kind:               CallKind(readByteField(root, fcSlotKind)),
		ExpectedReturnType: ValueKind(readByteField(root, fcSlotExpectedReturnType)),
	}

	if o := root.Offset(vtableEntry(fcSlotParams)); o != 0 {
		vecPos := root.Pos + flatbuffers.UOffsetT(o)
		start := root.Vector(vecPos)
		n := root.VectorLen(vecPos)
		fc.Params = make([]Param, n)
		for i := 0; i < n; i++ {
			elemPos := start + flatbuffers.UOffsetT(i)*4
			var elem flatbuffers.Table
			elem.Bytes = root.Bytes
			elem.Pos = root.Indirect(elemPos)
			p, err := decodeParameter(&elem)
			if err != nil {
				return FunctionCall{}, err
			}
			fc.Params[i] = p
		}
	}
	return fc, nil
}
