package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"hyperlight/errs"
)

// ErrorCode enumerates the values spec.md §6 lists for GuestError.Code.
type ErrorCode int64

const (
	ErrorCodeNoError ErrorCode = iota
	ErrorCodeStackOverflow
	ErrorCodeOutbError
	ErrorCodeGuestAbort
)

const (
	geSlotCode    = 0
	geSlotMessage = 1
)

// GuestError is popped from the guest-error buffer after a dispatch
// that the guest itself flagged as failed (spec.md §3, §6).
type GuestError struct {
	Code    ErrorCode
	Message string
}

// Encode serializes e as a size-prefixed GuestError flatbuffer.
func (e GuestError) Encode() []byte {
	b := flatbuffers.NewBuilder(64 + len(e.Message))
	msg := b.CreateString(e.Message)
	b.StartObject(2)
	b.PrependInt64Slot(geSlotCode, int64(e.Code), 0)
	b.PrependUOffsetTSlot(geSlotMessage, msg, 0)
	root := b.EndObject()
	b.FinishSizePrefixed(root)
	return b.FinishedBytes()
}

// DecodeGuestError reads back a size-prefixed GuestError flatbuffer.
// An all-zero buffer (the guest-error buffer's cleared state) decodes
// to ErrorCodeNoError with an empty message rather than an error.
func DecodeGuestError(buf []byte) (GuestError, error) {
	if len(buf) < 4 {
		return GuestError{}, fmt.Errorf("%w: guest error buffer too short", errs.ErrMalformedWireMessage)
	}
	root := getSizePrefixedRootAsTable(buf)
	return GuestError{
		Code:    ErrorCode(readInt64Field(root, geSlotCode)),
		Message: readStringField(root, geSlotMessage),
	}, nil
}
