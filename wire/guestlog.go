package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"hyperlight/errs"
)

// LogLevel names the five logrus levels from Trace to Error, each of
// which the sandbox maps to the matching *logrus.Entry call; the numeric
// values are this package's own, not logrus's (SPEC_FULL.md supplemented
// feature 2).
type LogLevel byte

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

const (
	gldSlotMessage = 0
	gldSlotSource  = 1
	gldSlotLevel   = 2
)

// GuestLogData is written by the guest to the output-data buffer and
// read by the host on the WriteOutput port (spec.md §6).
type GuestLogData struct {
	Message string
	Source  string
	Level   LogLevel
}

// Encode serializes l as a size-prefixed GuestLogData flatbuffer.
func (l GuestLogData) Encode() []byte {
	b := flatbuffers.NewBuilder(64 + len(l.Message) + len(l.Source))
	msg := b.CreateString(l.Message)
	src := b.CreateString(l.Source)
	b.StartObject(3)
	b.PrependUOffsetTSlot(gldSlotMessage, msg, 0)
	b.PrependUOffsetTSlot(gldSlotSource, src, 0)
	b.PrependByteSlot(gldSlotLevel, byte(l.Level), 0)
	root := b.EndObject()
	b.FinishSizePrefixed(root)
	return b.FinishedBytes()
}

// DecodeGuestLogData reads back a size-prefixed GuestLogData flatbuffer.
func DecodeGuestLogData(buf []byte) (GuestLogData, error) {
	if len(buf) < 4 {
		return GuestLogData{}, fmt.Errorf("%w: guest log buffer too short", errs.ErrMalformedWireMessage)
	}
	root := getSizePrefixedRootAsTable(buf)
	return GuestLogData{
		Message: readStringField(root, gldSlotMessage),
		Source:  readStringField(root, gldSlotSource),
		Level:   LogLevel(readByteField(root, gldSlotLevel)),
	}, nil
}
