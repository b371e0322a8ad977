package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hyperlight/errs"
)

func TestParamRoundTripThroughFunctionCall(t *testing.T) {
	fc := FunctionCall{
		Name: "PrintOutput",
		Params: []Param{
			ParamInt(-7),
			ParamUInt(42),
			ParamLong(-9000000000),
			ParamULong(9000000000),
			ParamBool(true),
			ParamString("hello, guest"),
			ParamVecBytes([]byte{1, 2, 3, 4}),
		},
		Kind:               CallKindGuest,
		ExpectedReturnType: KindInt,
	}

	decoded, err := DecodeFunctionCall(fc.Encode())
	require.NoError(t, err)
	require.Equal(t, fc.Name, decoded.Name)
	require.Equal(t, fc.Kind, decoded.Kind)
	require.Equal(t, fc.ExpectedReturnType, decoded.ExpectedReturnType)
	require.Equal(t, fc.Params, decoded.Params)
}

func TestFunctionCallRoundTripWithNoParams(t *testing.T) {
	fc := FunctionCall{Name: "NoOp", Kind: CallKindHost}
	decoded, err := DecodeFunctionCall(fc.Encode())
	require.NoError(t, err)
	require.Equal(t, fc.Name, decoded.Name)
	require.Equal(t, fc.Kind, decoded.Kind)
	require.Empty(t, decoded.Params)
}

func TestReturnValueRoundTrip(t *testing.T) {
	cases := []ReturnValue{
		ReturnInt(-1),
		ReturnUInt(1),
		ReturnLong(-123456789),
		ReturnULong(123456789),
		ReturnBool(true),
		ReturnBool(false),
		ReturnString("ok"),
		ReturnVecBytes([]byte{9, 8, 7}),
		ReturnVoid,
	}
	for _, rv := range cases {
		decoded, err := DecodeReturnValue(EncodeReturnValue(rv))
		require.NoError(t, err)
		require.Equal(t, rv, decoded)
	}
}

func TestDecodeReturnValueRejectsShortBuffer(t *testing.T) {
	_, err := DecodeReturnValue([]byte{1, 2})
	require.ErrorIs(t, err, errs.ErrMalformedWireMessage)
}

func TestGuestErrorRoundTrip(t *testing.T) {
	ge := GuestError{Code: ErrorCodeGuestAbort, Message: "boom"}
	decoded, err := DecodeGuestError(ge.Encode())
	require.NoError(t, err)
	require.Equal(t, ge, decoded)
}

func TestHostFunctionDetailsRoundTrip(t *testing.T) {
	d := HostFunctionDetails{
		Functions: []HostFunctionDefinition{
			{Name: "HostPrint", ParameterTypes: []ValueKind{KindString}, ReturnType: KindInt},
			{Name: "HostAdd", ParameterTypes: []ValueKind{KindInt, KindInt}, ReturnType: KindInt},
		},
	}
	decoded := DecodeHostFunctionDetails(d.Encode())
	require.Equal(t, d, decoded)
}

func TestGuestLogDataRoundTrip(t *testing.T) {
	l := GuestLogData{Message: "starting up", Source: "guest_main", Level: LogLevelInfo}
	decoded, err := DecodeGuestLogData(l.Encode())
	require.NoError(t, err)
	require.Equal(t, l, decoded)
}
