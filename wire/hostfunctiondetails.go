package wire

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// HostFunctionDefinition describes one registered host function: its
// name and wire signature, as written into the host-function-definitions
// buffer at sandbox initialization (spec.md §4.F, §6).
type HostFunctionDefinition struct {
	Name           string
	ParameterTypes []ValueKind
	ReturnType     ValueKind
}

const (
	hfdSlotName           = 0
	hfdSlotParameterTypes = 1
	hfdSlotReturnType     = 2
)

func (d HostFunctionDefinition) write(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	types := make([]byte, len(d.ParameterTypes))
	for i, t := range d.ParameterTypes {
		types[i] = byte(t)
	}
	typesVec := b.CreateByteVector(types)
	name := b.CreateString(d.Name)

	b.StartObject(3)
	b.PrependUOffsetTSlot(hfdSlotName, name, 0)
	b.PrependUOffsetTSlot(hfdSlotParameterTypes, typesVec, 0)
	b.PrependByteSlot(hfdSlotReturnType, byte(d.ReturnType), 0)
	return b.EndObject()
}

func decodeHostFunctionDefinition(t *flatbuffers.Table) HostFunctionDefinition {
	types := readBytesField(t, hfdSlotParameterTypes)
	kinds := make([]ValueKind, len(types))
	for i, v := range types {
		kinds[i] = ValueKind(v)
	}
	return HostFunctionDefinition{
		Name:           readStringField(t, hfdSlotName),
		ParameterTypes: kinds,
		ReturnType:     ValueKind(readByteField(t, hfdSlotReturnType)),
	}
}

const hfdsSlotFunctions = 0

// HostFunctionDetails is the full registry snapshot written into the
// host-function-definitions buffer so the guest can discover every
// function it is allowed to call out to (spec.md §4.F, §6).
type HostFunctionDetails struct {
	Functions []HostFunctionDefinition
}

// Encode serializes d as a size-prefixed HostFunctionDetails flatbuffer.
func (d HostFunctionDetails) Encode() []byte {
	b := flatbuffers.NewBuilder(128 + 64*len(d.Functions))

	offsets := make([]flatbuffers.UOffsetT, len(d.Functions))
	for i, fn := range d.Functions {
		offsets[i] = fn.write(b)
	}
	b.StartVector(4, len(offsets), 4)
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	vec := b.EndVector(len(offsets))

	b.StartObject(1)
	b.PrependUOffsetTSlot(hfdsSlotFunctions, vec, 0)
	root := b.EndObject()
	b.FinishSizePrefixed(root)
	return b.FinishedBytes()
}

// DecodeHostFunctionDetails reads back a HostFunctionDetails flatbuffer.
func DecodeHostFunctionDetails(buf []byte) HostFunctionDetails {
	root := getSizePrefixedRootAsTable(buf)
	var d HostFunctionDetails
	if o := root.Offset(vtableEntry(hfdsSlotFunctions)); o != 0 {
		vecPos := root.Pos + flatbuffers.UOffsetT(o)
		start := root.Vector(vecPos)
		n := root.VectorLen(vecPos)
		d.Functions = make([]HostFunctionDefinition, n)
		for i := 0; i < n; i++ {
			var elem flatbuffers.Table
			elem.Bytes = root.Bytes
			elem.Pos = root.Indirect(start + flatbuffers.UOffsetT(i)*4)
			d.Functions[i] = decodeHostFunctionDefinition(&elem)
		}
	}
	return d
}
