package wire

import flatbuffers "github.com/google/flatbuffers/go"

// vtableEntry maps a generated-code "slot index" (0, 1, 2, ...) to the
// byte offset flatbuffers.Table.Offset expects, matching the formula
// every flatc-generated accessor uses: the vtable's first two entries
// are bookkeeping, so field N lives at (N+2)*2.
func vtableEntry(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT((slot + 2) * 2)
}

func readByteField(t *flatbuffers.Table, slot int) byte {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return t.GetByte(t.Pos + flatbuffers.UOffsetT(o))
	}
	return 0
}

func readBoolField(t *flatbuffers.Table, slot int) bool {
	return readByteField(t, slot) != 0
}

func readInt32Field(t *flatbuffers.Table, slot int) int32 {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return t.GetInt32(t.Pos + flatbuffers.UOffsetT(o))
	}
	return 0
}

func readUint32Field(t *flatbuffers.Table, slot int) uint32 {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return t.GetUint32(t.Pos + flatbuffers.UOffsetT(o))
	}
	return 0
}

func readInt64Field(t *flatbuffers.Table, slot int) int64 {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return t.GetInt64(t.Pos + flatbuffers.UOffsetT(o))
	}
	return 0
}

func readUint64Field(t *flatbuffers.Table, slot int) uint64 {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return t.GetUint64(t.Pos + flatbuffers.UOffsetT(o))
	}
	return 0
}

func readStringField(t *flatbuffers.Table, slot int) string {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return string(t.ByteVector(t.Pos + flatbuffers.UOffsetT(o)))
	}
	return ""
}

func readBytesField(t *flatbuffers.Table, slot int) []byte {
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		return t.ByteVector(t.Pos + flatbuffers.UOffsetT(o))
	}
	return nil
}

// getSizePrefixedRootAsTable mirrors the generated
// GetSizePrefixedRootAsFoo helper flatc emits for every root table,
// generalized to return a bare *flatbuffers.Table since every message
// in this package is decoded field-by-field rather than through a
// generated accessor struct.
func getSizePrefixedRootAsTable(buf []byte) *flatbuffers.Table {
	n := flatbuffers.GetUOffsetT(buf[flatbuffers.SizeUint32:])
	t := &flatbuffers.Table{Bytes: buf, Pos: n + flatbuffers.SizeUint32}
	return t
}

// readUnionTableField reads the table-typed field at slot, following
// the UOffsetT indirection the way a generated `*_as_*` union accessor
// does. Returns a zero-Pos table (treated as "absent") if the field is
// unset.
func readUnionTableField(t *flatbuffers.Table, slot int) flatbuffers.Table {
	var inner flatbuffers.Table
	if o := t.Offset(vtableEntry(slot)); o != 0 {
		pos := t.Pos + flatbuffers.UOffsetT(o)
		inner.Bytes = t.Bytes
		inner.Pos = t.Indirect(pos)
	}
	return inner
}
