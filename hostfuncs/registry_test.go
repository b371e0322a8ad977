package hostfuncs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hyperlight/errs"
	"hyperlight/wire"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	r.Register("Add", []wire.ValueKind{wire.KindInt, wire.KindInt}, wire.KindInt, func(params []wire.Param) (wire.ReturnValue, error) {
		return wire.ReturnInt(params[0].Int + params[1].Int), nil
	})

	ret, err := r.Dispatch(wire.FunctionCall{
		Name:   "Add",
		Params: []wire.Param{wire.ParamInt(2), wire.ParamInt(3)},
	})
	require.NoError(t, err)
	require.Equal(t, wire.ReturnInt(5), ret)
}

func TestDispatchUnknownFunction(t *testing.T) {
	r := New()
	_, err := r.Dispatch(wire.FunctionCall{Name: "Missing"})
	require.Error(t, err)
}

func TestDispatchWrongArity(t *testing.T) {
	r := New()
	r.Register("Echo", []wire.ValueKind{wire.KindString}, wire.KindString, func(params []wire.Param) (wire.ReturnValue, error) {
		return wire.ReturnString(params[0].String), nil
	})

	_, err := r.Dispatch(wire.FunctionCall{Name: "Echo"})
	require.ErrorIs(t, err, errs.ErrUnexpectedNoOfArguments)
}

func TestDispatchWrongParameterType(t *testing.T) {
	r := New()
	r.Register("Echo", []wire.ValueKind{wire.KindString}, wire.KindString, func(params []wire.Param) (wire.ReturnValue, error) {
		return wire.ReturnString(params[0].String), nil
	})

	_, err := r.Dispatch(wire.FunctionCall{Name: "Echo", Params: []wire.Param{wire.ParamInt(1)}})
	require.ErrorIs(t, err, errs.ErrUnexpectedParameterType)
}

func TestRegisterOverwriteKeepsLatestCallback(t *testing.T) {
	r := New()
	r.Register("F", nil, wire.KindInt, func(params []wire.Param) (wire.ReturnValue, error) {
		return wire.ReturnInt(1), nil
	})
	r.Register("F", nil, wire.KindInt, func(params []wire.Param) (wire.ReturnValue, error) {
		return wire.ReturnInt(2), nil
	})

	ret, err := r.Dispatch(wire.FunctionCall{Name: "F"})
	require.NoError(t, err)
	require.Equal(t, wire.ReturnInt(2), ret)
}

func TestDetailsListsEveryRegisteredFunction(t *testing.T) {
	r := New()
	r.Register("A", []wire.ValueKind{wire.KindInt}, wire.KindVoid, nil)
	r.Register("B", []wire.ValueKind{wire.KindString}, wire.KindInt, nil)

	details := r.Details()
	require.Len(t, details.Functions, 2)

	names := map[string]wire.HostFunctionDefinition{}
	for _, d := range details.Functions {
		names[d.Name] = d
	}
	require.Contains(t, names, "A")
	require.Contains(t, names, "B")
	require.Equal(t, wire.KindVoid, names["A"].ReturnType)
	require.Equal(t, wire.KindInt, names["B"].ReturnType)
}
